package headerscan

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type matchFunc func(string) bool

func (f matchFunc) Matches(s string) bool { return f(s) }

var matchAll = matchFunc(func(string) bool { return true })

type recorder struct {
	got []Address
}

func (r *recorder) add(a Address) { r.got = append(r.got, a) }

func (r *recorder) addresses() []string {
	var out []string
	for _, a := range r.got {
		out = append(out, a.Address)
	}
	sort.Strings(out)
	return out
}

func TestFoldedFieldEverySplit(t *testing.T) {
	input := []byte("To: a@x.com,\n  b@y.com\n\n")
	want := []string{"a@x.com", "b@y.com"}

	for split := 0; split <= len(input); split++ {
		rec := &recorder{}
		p := New(matchAll, MalformedSkip, rec.add)

		first := p.Feed(input[:split])
		if split < len(input) {
			assert.Equal(t, NeedMore, first, "split %d", split)
		}
		assert.Equal(t, Done, p.Feed(input), "split %d", split)
		assert.Equal(t, want, rec.addresses(), "split %d", split)
		assert.Equal(t, len(input), p.Offset())
	}
}

func TestFoldedFieldByteAtATime(t *testing.T) {
	input := []byte("To: a@x.com,\n  b@y.com\n\n")
	rec := &recorder{}
	p := New(matchAll, MalformedSkip, rec.add)

	var res Result
	for i := 1; i <= len(input); i++ {
		res = p.Feed(input[:i])
		if i < len(input) {
			require.Equal(t, NeedMore, res, "prefix %d", i)
		}
	}
	assert.Equal(t, Done, res)
	assert.Equal(t, []string{"a@x.com", "b@y.com"}, rec.addresses())
	assert.Equal(t, 1, p.Fields())
}

func TestTruncatedField(t *testing.T) {
	input := []byte("Subject: hi\nFrom: Alice <a@x.co")
	rec := &recorder{}
	p := New(matchAll, MalformedSkip, rec.add)

	for i := 0; i < 3; i++ {
		assert.Equal(t, NeedMore, p.Feed(input))
	}
	assert.Equal(t, NeedMore, p.Flush(input))
	assert.Empty(t, rec.got)
}

func TestFlushProcessesTerminatedField(t *testing.T) {
	input := []byte("From: a@x.com\n")
	rec := &recorder{}
	p := New(matchAll, MalformedSkip, rec.add)

	assert.Equal(t, NeedMore, p.Feed(input), "trailing newline may still be folded")
	assert.Empty(t, rec.got)
	assert.Equal(t, NeedMore, p.Flush(input), "no blank line")
	assert.Equal(t, []string{"a@x.com"}, rec.addresses())
}

func TestHeaderNamesAndLineEndings(t *testing.T) {
	input := "Received: from mx by mx\r\n\tid 1234\r\n" +
		"cc: Bob <bob@y.com>\r\n" +
		"Reply-To: reply@z.com\r\n" +
		"BCC: hidden@z.com\r\n" +
		"from: Carol <carol@x.com>\r\n" +
		"X-To: nope@z.com\r\n" +
		"\r\n" +
		"To: body@z.com\r\n"

	rec := &recorder{}
	p := New(matchAll, MalformedSkip, rec.add)
	require.Equal(t, Done, p.Feed([]byte(input)))

	assert.Equal(t, []string{"bob@y.com", "carol@x.com", "hidden@z.com"}, rec.addresses())
	assert.Equal(t, strings.Index(input, "To: body"), p.Offset())
	assert.Contains(t, rec.got, Address{Address: "bob@y.com", Name: "Bob"})
}

func TestDoneIsSticky(t *testing.T) {
	input := []byte("From: a@x.com\n\nFrom: b@x.com\n\n")
	rec := &recorder{}
	p := New(matchAll, MalformedSkip, rec.add)

	assert.Equal(t, Done, p.Feed(input))
	assert.Equal(t, Done, p.Feed(input))
	assert.Equal(t, Done, p.Flush(input))
	assert.Equal(t, []string{"a@x.com"}, rec.addresses())
}

func TestEmptyHeaderBlock(t *testing.T) {
	p := New(matchAll, MalformedSkip, func(Address) { t.Fatal("no address expected") })
	assert.Equal(t, NeedMore, p.Feed([]byte("\r")))
	assert.Equal(t, Done, p.Feed([]byte("\r\nbody")))
	assert.Equal(t, 2, p.Offset())
}

func TestMatcherFiltersByAddressOrName(t *testing.T) {
	input := []byte("To: Alice <a@x.com>, b@alice.org, c@y.com\n\n")
	rec := &recorder{}
	p := New(matchFunc(func(s string) bool { return strings.Contains(s, "lice") }), MalformedSkip, rec.add)

	require.Equal(t, Done, p.Feed(input))
	assert.Equal(t, []string{"a@x.com", "b@alice.org"}, rec.addresses())
}

func TestEncodedDisplayName(t *testing.T) {
	input := []byte("From: =?UTF-8?q?J=C3=B6rg?= <j@x.com>\n\n")
	rec := &recorder{}
	p := New(matchAll, MalformedSkip, rec.add)

	require.Equal(t, Done, p.Feed(input))
	require.Len(t, rec.got, 1)
	assert.Equal(t, Address{Address: "j@x.com", Name: "Jörg"}, rec.got[0])
}

func TestLatin1DisplayName(t *testing.T) {
	rec := &recorder{}
	p := New(matchAll, MalformedSkip, rec.add)

	require.Equal(t, Done, p.Feed([]byte("From: J\xf6rg <j@x.com>\nTo: b@y.com\n\n")))
	require.Len(t, rec.got, 2)
	assert.Equal(t, Address{Address: "j@x.com", Name: "Jörg"}, rec.got[0])
	assert.Equal(t, Address{Address: "b@y.com"}, rec.got[1])
	assert.Zero(t, p.Malformed())
}

func TestLatin1FoldedAcrossReads(t *testing.T) {
	input := []byte("To: \"M\xfcller, Hans\" <hans@x.com>,\n c@y.com\n\n")
	for split := 1; split < len(input); split++ {
		rec := &recorder{}
		p := New(matchAll, MalformedSkip, rec.add)

		p.Feed(input[:split])
		require.Equal(t, Done, p.Feed(input), "split at %d", split)
		require.Equal(t, []string{"c@y.com", "hans@x.com"}, rec.addresses(), "split at %d", split)
	}
}

func TestEmptyAddressField(t *testing.T) {
	rec := &recorder{}
	p := New(matchAll, MalformedSkip, rec.add)

	require.Equal(t, Done, p.Feed([]byte("To:\nCC:   \nFrom: a@x.com\n\n")))
	assert.Equal(t, []string{"a@x.com"}, rec.addresses())
	assert.Zero(t, p.Malformed())
}

func TestMalformedSkip(t *testing.T) {
	input := []byte("To: <<<broken\nFrom: b@y.com\n\n")
	rec := &recorder{}
	p := New(matchAll, MalformedSkip, rec.add)

	assert.Equal(t, Done, p.Feed(input))
	assert.Equal(t, []string{"b@y.com"}, rec.addresses())
	assert.Equal(t, 1, p.Malformed())
}

// A field with one unparsable mailbox is dropped as a whole, including the
// mailboxes that would parse on their own.
func TestPartlyMalformedFieldIsDropped(t *testing.T) {
	rec := &recorder{}
	p := New(matchAll, MalformedSkip, rec.add)

	require.Equal(t, Done, p.Feed([]byte("To: a@x.com, bogus\nFrom: b@y.com\n\n")))
	assert.Equal(t, []string{"b@y.com"}, rec.addresses())
	assert.Equal(t, 1, p.Malformed())
	assert.Equal(t, 1, p.Fields())
}

// Group syntax yields the members of the group.
func TestGroupMembers(t *testing.T) {
	rec := &recorder{}
	p := New(matchAll, MalformedSkip, rec.add)

	require.Equal(t, Done, p.Feed([]byte("To: team: a@x.com, b@y.com;\n\n")))
	assert.Equal(t, []string{"a@x.com", "b@y.com"}, rec.addresses())
}

func TestMalformedRetry(t *testing.T) {
	input := []byte("To: <<<broken\nFrom: b@y.com\n\n")
	rec := &recorder{}
	p := New(matchAll, MalformedRetry, rec.add)

	assert.Equal(t, NeedMore, p.Feed(input), "first failure waits for more data")
	assert.Zero(t, p.Offset())
	assert.Zero(t, p.Malformed())

	assert.Equal(t, Done, p.Feed(input), "second failure skips the field")
	assert.Equal(t, []string{"b@y.com"}, rec.addresses())
	assert.Equal(t, 1, p.Malformed())
}

func TestMalformedRetryAtEndOfInput(t *testing.T) {
	input := []byte("To: <<<broken\n")
	p := New(matchAll, MalformedRetry, func(Address) {})

	assert.Equal(t, NeedMore, p.Flush(input))
	assert.Equal(t, 1, p.Malformed())
	assert.Equal(t, len(input), p.Offset())
}

func TestParseMalformedPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    MalformedPolicy
		wantErr bool
	}{
		{in: "", want: MalformedSkip},
		{in: "skip", want: MalformedSkip},
		{in: " Retry ", want: MalformedRetry},
		{in: "abort", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseMalformedPolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, strings.ToLower(strings.TrimSpace(tt.in)) == "retry", got.String() == "retry")
	}
}
