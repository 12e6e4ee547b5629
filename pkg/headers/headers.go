// Package headers implements the ordered, case-insensitive header multimap
// shared by the request and response readers.
package headers

import (
	"io"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/relayhq/mitmproxy/pkg/errors"
)

// field is one header line, kept in insertion order.
type field struct {
	name  string // original casing, as received or set
	value string
}

// Collection is an ordered multimap of header name to value. Lookups are
// case-insensitive; duplicate names are retained in insertion order. The
// zero value is ready to use.
type Collection struct {
	fields []field
	index  map[string][]int // lower(name) -> indices into fields
}

func New() *Collection {
	return &Collection{index: make(map[string][]int)}
}

func (c *Collection) ensureIndex() {
	if c.index == nil {
		c.index = make(map[string][]int)
	}
}

// Add appends a header, preserving any existing values for the same name.
// It does not validate name/value grammar; use Parse for wire input.
func (c *Collection) Add(name, value string) {
	c.ensureIndex()
	key := strings.ToLower(name)
	c.index[key] = append(c.index[key], len(c.fields))
	c.fields = append(c.fields, field{name: name, value: value})
}

// Set removes any existing values for name and adds the single given value.
func (c *Collection) Set(name, value string) {
	c.Del(name)
	c.Add(name, value)
}

// Get returns the first value for name, case-insensitively, and whether it
// was present.
func (c *Collection) Get(name string) (string, bool) {
	idxs := c.index[strings.ToLower(name)]
	if len(idxs) == 0 {
		return "", false
	}
	return c.fields[idxs[0]].value, true
}

// GetAll returns every value for name, in insertion order.
func (c *Collection) GetAll(name string) []string {
	idxs := c.index[strings.ToLower(name)]
	if len(idxs) == 0 {
		return nil
	}
	out := make([]string, len(idxs))
	for i, idx := range idxs {
		out[i] = c.fields[idx].value
	}
	return out
}

// Has reports whether name is present, case-insensitively.
func (c *Collection) Has(name string) bool {
	return len(c.index[strings.ToLower(name)]) > 0
}

// Del removes every occurrence of name.
func (c *Collection) Del(name string) {
	key := strings.ToLower(name)
	if len(c.index[key]) == 0 {
		return
	}
	remaining := c.fields[:0]
	newIndex := make(map[string][]int, len(c.index))
	for _, f := range c.fields {
		if strings.ToLower(f.name) == key {
			continue
		}
		remaining = append(remaining, f)
	}
	c.fields = remaining
	for i, f := range c.fields {
		k := strings.ToLower(f.name)
		newIndex[k] = append(newIndex[k], i)
	}
	c.index = newIndex
}

// Names returns the distinct header names in first-occurrence order.
func (c *Collection) Names() []string {
	seen := make(map[string]bool, len(c.fields))
	var out []string
	for _, f := range c.fields {
		key := strings.ToLower(f.name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f.name)
	}
	return out
}

// Len returns the total number of header fields, counting duplicates.
func (c *Collection) Len() int {
	return len(c.fields)
}

// All calls fn for every header field in insertion order. Iteration stops if
// fn returns false.
func (c *Collection) All(fn func(name, value string) bool) {
	for _, f := range c.fields {
		if !fn(f.name, f.value) {
			return
		}
	}
}

// ToMap returns the first occurrence of each header name, keyed by its
// original casing on first insertion.
func (c *Collection) ToMap() map[string]string {
	out := make(map[string]string, len(c.fields))
	seen := make(map[string]bool, len(c.fields))
	for _, f := range c.fields {
		key := strings.ToLower(f.name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out[f.name] = f.value
	}
	return out
}

// Clone returns an independent copy of the collection.
func (c *Collection) Clone() *Collection {
	out := New()
	out.fields = append([]field(nil), c.fields...)
	out.index = make(map[string][]int, len(c.index))
	for k, v := range c.index {
		out.index[k] = append([]int(nil), v...)
	}
	return out
}

// ConnectionTokens returns the lowercased tokens named in any Connection
// header, used to strip hop-by-hop headers named dynamically.
func (c *Collection) ConnectionTokens() []string {
	var tokens []string
	for _, v := range c.GetAll("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				tokens = append(tokens, strings.ToLower(tok))
			}
		}
	}
	return tokens
}

// WriteTo serializes the collection as wire-format header lines, each
// "name: value\r\n", without the terminating blank line.
func (c *Collection) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, f := range c.fields {
		n, err := io.WriteString(w, f.name+": "+f.value+"\r\n")
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Parse reads header lines from raw (already split on CRLF, without the
// trailing blank line) into a new Collection. It folds obsolete line folding
// (a continuation line starting with SP or HTAB) into the prior value and
// rejects a duplicate Host header.
func Parse(lines []string) (*Collection, error) {
	c := New()
	hostSeen := false

	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if c.Len() == 0 {
				return nil, errors.NewClientParse("headers.parse", "line folding with no preceding header", nil)
			}
			last := &c.fields[len(c.fields)-1]
			last.value += " " + strings.TrimSpace(line)
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, errors.NewClientParse("headers.parse", "header line missing colon", nil)
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])

		if !httpguts.ValidHeaderFieldName(name) {
			return nil, errors.NewClientParse("headers.parse", "invalid header name: "+name, nil)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, errors.NewClientParse("headers.parse", "invalid header value for "+name, nil)
		}

		if strings.EqualFold(name, "Host") {
			if hostSeen {
				return nil, errors.NewClientParse("headers.parse", "duplicate Host header", nil)
			}
			hostSeen = true
		}

		c.Add(name, value)
	}
	return c, nil
}

// SortedNames returns Names() sorted case-insensitively, for diagnostic dumps
// where a stable order matters more than insertion order.
func (c *Collection) SortedNames() []string {
	names := c.Names()
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}
