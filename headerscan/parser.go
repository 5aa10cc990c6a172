// Package headerscan finds the address header fields of a message while its
// bytes are still arriving. The parser works on a buffer that only ever
// grows, remembers how far it got, and never needs the whole header block
// at once.
package headerscan

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/mailscan/consts"
	"golang.org/x/text/encoding/charmap"
)

// Result tells the caller whether the header block has been fully scanned.
type Result uint8

const (
	NeedMore Result = iota
	Done
)

func (r Result) String() string {
	if r == Done {
		return "done"
	}
	return "need-more"
}

// MalformedPolicy decides what happens to an address field that does not
// parse.
type MalformedPolicy uint8

const (
	// MalformedSkip drops the field and continues with the next one.
	MalformedSkip MalformedPolicy = iota
	// MalformedRetry stops at the field with NeedMore once and parses it
	// again on the next Feed, after more data has arrived. A field that
	// still fails is skipped.
	MalformedRetry
)

// ParseMalformedPolicy maps "skip" and "retry" to their policies.
func ParseMalformedPolicy(s string) (MalformedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return MalformedSkip, nil
	case "retry":
		return MalformedRetry, nil
	default:
		return MalformedSkip, fmt.Errorf("unknown malformed field policy %q", s)
	}
}

func (p MalformedPolicy) String() string {
	if p == MalformedRetry {
		return "retry"
	}
	return "skip"
}

// Address is one parsed mailbox. Name is empty when the mailbox had no
// display name.
type Address struct {
	Address string
	Name    string
}

// Matcher selects the addresses worth reporting.
type Matcher interface {
	Matches(candidate string) bool
}

var addressHeaders = func() [][]byte {
	names := make([][]byte, len(consts.AddressHeaders))
	for i, h := range consts.AddressHeaders {
		names[i] = []byte(h)
	}
	return names
}()

// Field names longer than this cannot be address headers.
const maxNameScan = 16

// Parser is the per-message scan state. Feed it the whole buffer read so
// far, every time; it resumes where it stopped.
type Parser struct {
	match  Matcher
	policy MalformedPolicy
	emit   func(Address)

	// pos is the start of the current logical line, scan the offset where
	// the search for its end resumes.
	pos     int
	scan    int
	retryAt int
	done    bool

	fields    int
	malformed int
}

// New returns a parser that passes every address accepted by m to emit.
func New(m Matcher, policy MalformedPolicy, emit func(Address)) *Parser {
	return &Parser{
		match:   m,
		policy:  policy,
		emit:    emit,
		retryAt: -1,
	}
}

// Feed scans buf, which must extend the buffer passed on the previous call.
// It returns Done once the blank line ending the header block was seen, and
// NeedMore while that line has not arrived yet.
func (p *Parser) Feed(buf []byte) Result {
	return p.advance(buf, false)
}

// Flush is Feed at end of input. A final field terminated by a newline is
// processed; one without its newline is dropped as truncated. Without the
// blank line the result stays NeedMore.
func (p *Parser) Flush(buf []byte) Result {
	return p.advance(buf, true)
}

// Offset returns the start of the first unscanned line. After Done it is the
// length of the header block including the blank line.
func (p *Parser) Offset() int {
	return p.pos
}

// Fields returns the number of address fields parsed so far.
func (p *Parser) Fields() int {
	return p.fields
}

// Malformed returns the number of address fields that were skipped because
// they did not parse.
func (p *Parser) Malformed() int {
	return p.malformed
}

func (p *Parser) advance(buf []byte, eof bool) Result {
	for !p.done {
		if p.pos >= len(buf) {
			return NeedMore
		}

		switch n := blankLine(buf[p.pos:]); {
		case n > 0:
			p.pos += n
			p.scan = p.pos
			p.done = true
			return Done
		case n < 0:
			return NeedMore
		}

		end, next, ok := p.lineEnd(buf, eof)
		if !ok {
			return NeedMore
		}

		if line := buf[p.pos:end]; isAddressField(line) {
			addrs, err := parseField(line)
			if err != nil {
				if p.policy == MalformedRetry && !eof && p.retryAt != p.pos {
					p.retryAt = p.pos
					return NeedMore
				}
				p.malformed++
			} else {
				p.fields++
				p.deliver(addrs)
			}
		}

		p.pos, p.scan = next, next
	}
	return Done
}

// blankLine reports the length of the empty line at the start of b, 0 if b
// does not start with one, and -1 if a lone '\r' leaves it undecided.
func blankLine(b []byte) int {
	switch b[0] {
	case '\n':
		return 1
	case '\r':
		if len(b) < 2 {
			return -1
		}
		if b[1] == '\n' {
			return 2
		}
	}
	return 0
}

// lineEnd finds the end of the logical line starting at p.pos: the first
// newline not followed by a space or tab. end excludes the line terminator,
// next is the start of the following line. A newline that is the last byte
// of buf is only decisive at end of input.
func (p *Parser) lineEnd(buf []byte, eof bool) (end, next int, ok bool) {
	i := max(p.scan, p.pos)
	for {
		j := bytes.IndexByte(buf[i:], '\n')
		if j < 0 {
			p.scan = len(buf)
			return 0, 0, false
		}
		nl := i + j
		if nl+1 >= len(buf) {
			if !eof {
				p.scan = nl
				return 0, 0, false
			}
		} else if c := buf[nl+1]; c == ' ' || c == '\t' {
			i = nl + 1
			continue
		}

		end = nl
		if end > p.pos && buf[end-1] == '\r' {
			end--
		}
		return end, nl + 1, true
	}
}

func isAddressField(line []byte) bool {
	colon := bytes.IndexByte(line[:min(len(line), maxNameScan)], ':')
	if colon <= 0 {
		return false
	}
	name := bytes.TrimRight(line[:colon], " \t")
	for _, h := range addressHeaders {
		if bytes.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// parseField parses one unfolded-or-folded field line into its mailboxes.
// Group syntax yields the group members. Raw 8-bit bytes that are not UTF-8
// are read as Latin-1.
func parseField(line []byte) ([]*mail.Address, error) {
	if !utf8.Valid(line) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(line)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", consts.ErrMalformedField, err)
		}
		line = decoded
	}

	raw := make([]byte, 0, len(line)+2)
	raw = append(raw, line...)
	raw = append(raw, '\n', '\n')

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrMalformedField, err)
	}
	fields := h.Fields()
	if !fields.Next() {
		return nil, nil
	}
	key := fields.Key()
	if strings.TrimSpace(fields.Value()) == "" {
		return nil, nil
	}

	mh := mail.Header{Header: message.Header{Header: h}}
	addrs, err := mh.AddressList(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", consts.ErrMalformedField, key, err)
	}
	return addrs, nil
}

func (p *Parser) deliver(addrs []*mail.Address) {
	for _, a := range addrs {
		if a == nil || a.Address == "" {
			continue
		}
		if p.match.Matches(a.Address) || (a.Name != "" && p.match.Matches(a.Name)) {
			p.emit(Address{Address: a.Address, Name: a.Name})
		}
	}
}
