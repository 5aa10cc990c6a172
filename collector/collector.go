// Package collector aggregates matched addresses: how often each address was
// seen and under which display names.
package collector

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-json"
	"github.com/migadu/mailscan/headerscan"
)

type record struct {
	occurrences uint64
	names       map[string]uint64
}

// Collector is not safe for concurrent use. Each worker fills its own and
// the results are combined with Merge.
type Collector struct {
	addrs map[string]*record
}

func New() *Collector {
	return &Collector{addrs: make(map[string]*record)}
}

// Add counts one occurrence of a. A non-empty display name also counts as
// one occurrence of that name variant.
func (c *Collector) Add(a headerscan.Address) {
	r, ok := c.addrs[a.Address]
	if !ok {
		r = &record{}
		c.addrs[a.Address] = r
	}
	r.occurrences++
	if a.Name != "" {
		if r.names == nil {
			r.names = make(map[string]uint64)
		}
		r.names[a.Name]++
	}
}

// Merge adds every count of other into c and returns c. other must not be
// used afterwards.
func (c *Collector) Merge(other *Collector) *Collector {
	if other == nil || other == c {
		return c
	}
	for addr, or := range other.addrs {
		r, ok := c.addrs[addr]
		if !ok {
			c.addrs[addr] = or
			continue
		}
		r.occurrences += or.occurrences
		for name, n := range or.names {
			if r.names == nil {
				r.names = make(map[string]uint64)
			}
			r.names[name] += n
		}
	}
	other.addrs = nil
	return c
}

// Len returns the number of distinct addresses.
func (c *Collector) Len() int {
	return len(c.addrs)
}

// Entry is one reported address.
type Entry struct {
	Address     string            `json:"address"`
	Name        string            `json:"name,omitempty"`
	Occurrences uint64            `json:"occurrences"`
	Variants    map[string]uint64 `json:"variants,omitempty"`
}

// Entries returns every address ordered by descending occurrence count,
// ties by address. Name is the most frequent display name, ties broken by
// the lexicographically smallest.
func (c *Collector) Entries() []Entry {
	entries := make([]Entry, 0, len(c.addrs))
	for addr, r := range c.addrs {
		e := Entry{Address: addr, Occurrences: r.occurrences, Name: topName(r.names)}
		if len(r.names) > 0 {
			e.Variants = make(map[string]uint64, len(r.names))
			for name, n := range r.names {
				e.Variants[name] = n
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Occurrences != entries[j].Occurrences {
			return entries[i].Occurrences > entries[j].Occurrences
		}
		return entries[i].Address < entries[j].Address
	})
	return entries
}

func topName(names map[string]uint64) string {
	var best string
	var bestN uint64
	for name, n := range names {
		if n > bestN || (n == bestN && name < best) {
			best, bestN = name, n
		}
	}
	return best
}

// WriteText writes an empty line followed by one "address<TAB>name" line per
// entry.
func WriteText(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("\n"); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%s\t%s\n", e.Address, e.Name); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteJSON writes the entries as an indented JSON array.
func WriteJSON(w io.Writer, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// WriteText writes the report of c in text form.
func (c *Collector) WriteText(w io.Writer) error {
	return WriteText(w, c.Entries())
}

// WriteJSON writes the report of c in JSON form.
func (c *Collector) WriteJSON(w io.Writer) error {
	return WriteJSON(w, c.Entries())
}
