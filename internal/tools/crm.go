// Package tools provides the demo CRM tools exposed through the gate.
package tools

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrCustomerNotFound is returned for unknown customer ids.
var ErrCustomerNotFound = errors.New("customer not found")

// Customer is a CRM account.
type Customer struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Ticket is a support ticket.
type Ticket struct {
	ID          int       `json:"id"`
	CustomerID  int       `json:"customer_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    string    `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
}

// CRM is an in-memory customer and ticket store.
type CRM struct {
	mu           sync.Mutex
	customers    []Customer
	tickets      []Ticket
	nextTicketID int
	clock        func() time.Time
}

// NewCRM returns a CRM seeded with the demo customers.
func NewCRM() *CRM {
	return &CRM{
		customers: []Customer{
			{ID: 1, Name: "ACME AB", Status: "Active"},
			{ID: 2, Name: "Nordic Widgets", Status: "Active"},
			{ID: 3, Name: "Beta Logistics", Status: "Active"},
		},
		nextTicketID: 1,
		clock:        time.Now,
	}
}

// Search returns customers whose name contains query, case-insensitively.
func (c *CRM) Search(query string) []Customer {
	q := strings.ToLower(strings.TrimSpace(query))
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Customer, 0)
	for _, cust := range c.customers {
		if strings.Contains(strings.ToLower(cust.Name), q) {
			out = append(out, cust)
		}
	}
	return out
}

// Customers returns a copy of all customers.
func (c *CRM) Customers() []Customer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Customer(nil), c.customers...)
}

// Customer returns one customer by id.
func (c *CRM) Customer(id int) (Customer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cust := range c.customers {
		if cust.ID == id {
			return cust, nil
		}
	}
	return Customer{}, ErrCustomerNotFound
}

// CreateTicket files a new ticket for an existing customer.
func (c *CRM) CreateTicket(customerID int, title, description, priority string) (Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	for _, cust := range c.customers {
		if cust.ID == customerID {
			found = true
			break
		}
	}
	if !found {
		return Ticket{}, ErrCustomerNotFound
	}

	if priority == "" {
		priority = "medium"
	}
	t := Ticket{
		ID:          c.nextTicketID,
		CustomerID:  customerID,
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
		Priority:    strings.ToLower(strings.TrimSpace(priority)),
		CreatedAt:   c.clock().UTC(),
	}
	c.nextTicketID++
	c.tickets = append(c.tickets, t)
	return t, nil
}

// Tickets returns a copy of all tickets.
func (c *CRM) Tickets() []Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Ticket(nil), c.tickets...)
}

// SetStatus updates a customer's status.
func (c *CRM) SetStatus(customerID int, status string) (Customer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.customers {
		if c.customers[i].ID == customerID {
			c.customers[i].Status = strings.TrimSpace(status)
			return c.customers[i], nil
		}
	}
	return Customer{}, ErrCustomerNotFound
}
