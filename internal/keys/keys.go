// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to the public API.
package keys

// Queue holds all precomputed keys for a queue name to avoid repeated
// concatenations. The hash tag keeps a queue's keys on one cluster slot.
type Queue struct {
	Pending string
	Active  string
	Delayed string
	Dead    string
}

// For returns the set of precomputed keys for the provided queue.
func For(q string) Queue {
	prefix := "docrelay:{" + q + "}:"
	return Queue{
		Pending: prefix + "pending",
		Active:  prefix + "active",
		Delayed: prefix + "delayed",
		Dead:    prefix + "dead",
	}
}

// Task returns the key of the shared task record for an id.
func Task(id string) string { return "docrelay:task:" + id }
