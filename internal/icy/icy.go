// Package icy reads "now playing" metadata embedded in Shoutcast/Icecast
// audio streams (the ICY metadata extension).
package icy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xpadev-net/ice-launcher/internal/log"
)

const (
	// MaxRetry bounds how many metadata blocks are inspected per Decode call.
	MaxRetry = 64

	// DefaultTimeout is the default overall timeout for one Decode call.
	DefaultTimeout = 60 * time.Second

	// DefaultUserAgent mimics a desktop player. Some stations only
	// insert advertising metadata for players they recognize.
	DefaultUserAgent = "Lavf/58.26.101"

	headerMetaData = "Icy-MetaData"
	headerMetaInt  = "icy-metaint"
)

var (
	// ErrRetryLimit is returned when no acceptable block was found within MaxRetry blocks.
	ErrRetryLimit = errors.New("retry limit exceeded")

	// ErrInvalidUTF8 is returned when a metadata block is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("metadata is not valid UTF-8")
)

// ProtocolError reports a malformed or exhausted metadata stream.
type ProtocolError struct {
	URL string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("icy metadata from %s: %v", e.URL, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Metadata maps metadata keys (e.g. StreamTitle) to their values.
type Metadata map[string]string

// SkipRule marks metadata blocks whose Key value matches Pattern as filler
// content that should not be returned.
type SkipRule struct {
	Key     string
	Pattern *regexp.Regexp
}

// NewSkipRule compiles a skip rule. The pattern is matched case-insensitively
// from the start of the value.
func NewSkipRule(key, pattern string) (*SkipRule, error) {
	re, err := regexp.Compile("(?i)^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("compile skip pattern: %w", err)
	}
	return &SkipRule{Key: key, Pattern: re}, nil
}

// Matches reports whether meta should be skipped.
func (r *SkipRule) Matches(meta Metadata) bool {
	if r == nil || r.Pattern == nil {
		return false
	}
	v, ok := meta[r.Key]
	return ok && r.Pattern.MatchString(v)
}

func (r *SkipRule) String() string {
	if r == nil {
		return ""
	}
	return r.Key + "~" + r.Pattern.String()
}

// Decoder fetches metadata blocks from live streams.
type Decoder struct {
	httpClient *http.Client
	userAgent  string
	maxRetry   int
	debug      bool
}

// NewDecoder creates a decoder. When debug is set every received block is logged.
func NewDecoder(timeout time.Duration, debug bool) *Decoder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Decoder{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  DefaultUserAgent,
		maxRetry:   MaxRetry,
		debug:      debug,
	}
}

// Decode opens streamURL and returns the first metadata block not matched by
// skip. It returns nil, nil when the stream does not advertise a metadata
// interval. The connection is always closed before returning.
func (d *Decoder) Decode(ctx context.Context, streamURL string, skip *SkipRule) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(headerMetaData, "1")
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stream open failed with status %d", resp.StatusCode)
	}

	interval, err := metaInterval(resp.Header)
	if err != nil {
		return nil, &ProtocolError{URL: streamURL, Err: err}
	}
	if interval == 0 {
		return nil, nil
	}

	br := bufio.NewReader(resp.Body)
	for attempt := 1; attempt <= d.maxRetry; attempt++ {
		if _, err := io.CopyN(io.Discard, br, int64(interval)); err != nil {
			return nil, &ProtocolError{URL: streamURL, Err: fmt.Errorf("read audio payload: %w", err)}
		}
		length, err := br.ReadByte()
		if err != nil {
			return nil, &ProtocolError{URL: streamURL, Err: fmt.Errorf("read length byte: %w", err)}
		}
		if length == 0 {
			continue
		}

		block := make([]byte, int(length)*16)
		if _, err := io.ReadFull(br, block); err != nil {
			return nil, &ProtocolError{URL: streamURL, Err: fmt.Errorf("read metadata block: %w", err)}
		}
		if d.debug {
			log.Debug("received metadata block",
				zap.String("url", streamURL),
				zap.Int("bytes", len(block)),
				zap.ByteString("content", bytes.TrimRight(block, "\x00")),
			)
		}

		meta, err := ParseBlock(block)
		if err != nil {
			return nil, &ProtocolError{URL: streamURL, Err: err}
		}
		if skip.Matches(meta) {
			if d.debug {
				log.Debug("skipping metadata block",
					zap.String("url", streamURL),
					zap.String("rule", skip.String()),
					zap.String("value", meta[skip.Key]),
				)
			}
			continue
		}
		return meta, nil
	}

	return nil, &ProtocolError{URL: streamURL, Err: ErrRetryLimit}
}

func metaInterval(h http.Header) (int, error) {
	v := strings.TrimSpace(h.Get(headerMetaInt))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s header %q", headerMetaInt, v)
	}
	return n, nil
}

// ParseBlock decodes one metadata block of the form
// "StreamTitle='Artist - Title';StreamUrl='';" padded with NUL bytes.
func ParseBlock(block []byte) (Metadata, error) {
	block = bytes.ReplaceAll(block, []byte{0}, nil)

	meta := Metadata{}
	for _, tok := range bytes.Split(block, []byte(";")) {
		// Some encoders emit a stray "';" after the last pair.
		if len(bytes.Trim(tok, "'")) == 0 {
			continue
		}
		key, value, ok := bytes.Cut(tok, []byte("="))
		if !ok {
			continue
		}
		if !utf8.Valid(key) || !utf8.Valid(value) {
			return nil, ErrInvalidUTF8
		}
		meta[string(key)] = strings.Trim(string(value), "'")
	}
	return meta, nil
}
