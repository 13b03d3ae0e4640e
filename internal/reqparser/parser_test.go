package reqparser_test

import (
	"fmt"
	"testing"

	"github.com/dchest/uniuri"
	"github.com/indigo-web/chunkedbody"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfserv/selfserv/internal/reqparser"
	"github.com/selfserv/selfserv/request"
	"github.com/selfserv/selfserv/selfservutil/errs"
)

func newParser() *reqparser.Parser {
	req := request.New()
	return reqparser.New(req, chunkedbody.NewParser(chunkedbody.DefaultSettings()))
}

func TestParser_SplitAcrossCalls(t *testing.T) {
	raw := "GET /index.html HTTP/1.1\r\nHost: h\r\n\r\n"

	for split := 1; split < len(raw); split++ {
		p := newParser()

		outcome, err := p.Feed([]byte(raw[:split]))
		require.NoError(t, err)
		if split < len(raw) {
			assert.Equal(t, reqparser.NeedMore, outcome, "split at %d", split)
		}

		outcome, err = p.Feed([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, reqparser.Complete, outcome)
		assert.Equal(t, int64(len(raw)), p.Consumed())
	}
}

func TestParser_FixedBody(t *testing.T) {
	raw := "POST /u HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello"
	p := newParser()

	outcome, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, reqparser.Complete, outcome)
	assert.Equal(t, int64(len(raw)), p.Consumed())
}

func TestParser_ChunkedBody(t *testing.T) {
	raw := "POST /u HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	p := newParser()

	var outcome reqparser.Outcome
	var err error
	for i := 1; i <= len(raw); i++ {
		outcome, err = p.Feed([]byte(raw[:i]))
		require.NoError(t, err)
		if outcome == reqparser.Complete {
			break
		}
	}

	require.Equal(t, reqparser.Complete, outcome)
}

func TestParser_MissingColonIsLenient(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: h\r\nGarbageLine\r\n\r\n"
	p := newParser()

	outcome, err := p.Feed([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, reqparser.Complete, outcome)
}

func TestParser_HeaderBlockTooLarge(t *testing.T) {
	huge := make([]byte, 0, 9000)
	huge = append(huge, []byte("GET / HTTP/1.1\r\n")...)
	for _, line := range genHeaders(300) {
		huge = append(huge, line...)
		huge = append(huge, '\r', '\n')
		if len(huge) >= 8300 {
			break
		}
	}

	p := newParser()
	outcome, err := p.Feed(huge)
	assert.Equal(t, reqparser.Error, outcome)
	assert.Error(t, err)
}

func TestParser_BodyTooLarge_ContentLength(t *testing.T) {
	raw := "POST /u HTTP/1.1\r\nHost: h\r\nContent-Length: 10\r\n\r\n0123456789"
	p := newParser()
	p.SetMaxBodySize(5)

	outcome, err := p.Feed([]byte(raw))
	assert.Equal(t, reqparser.Error, outcome)
	assert.ErrorIs(t, err, errs.ErrBodyTooLarge)
}

func TestParser_BodyTooLarge_Chunked(t *testing.T) {
	raw := "POST /u HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	p := newParser()
	p.SetMaxBodySize(4)

	var outcome reqparser.Outcome
	var err error
	for i := 1; i <= len(raw); i++ {
		outcome, err = p.Feed([]byte(raw[:i]))
		if outcome == reqparser.Error {
			break
		}
	}

	assert.Equal(t, reqparser.Error, outcome)
	assert.ErrorIs(t, err, errs.ErrBodyTooLarge)
}

// genHeaders generates n random "Name: some value" header lines, following
// the teacher's internal/transport/http1/parser_test.go fixture generator.
func genHeaders(n int) (out []string) {
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("%s: some value", uniuri.New()))
	}

	return out
}
