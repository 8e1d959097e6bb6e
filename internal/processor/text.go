package processor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	defaultChunkLines = 1000
	sniffSize         = 8192
)

// TextOptions tune a TextProcessor
type TextOptions struct {
	ChunkLines int
}

// TextProcessor masks line oriented text. Lines keep their terminators so
// unmatched content is reproduced byte for byte.
type TextProcessor struct {
	analyzer   *Analyzer
	chunkLines int
	logger     *zap.Logger
}

// NewTextProcessor creates a text processor over rules
func NewTextProcessor(rules []Rule, opts TextOptions, logger *zap.Logger) *TextProcessor {
	chunk := opts.ChunkLines
	if chunk <= 0 {
		chunk = defaultChunkLines
	}
	return &TextProcessor{
		analyzer:   NewAnalyzer(rules),
		chunkLines: chunk,
		logger:     logger,
	}
}

// Lines masks already decoded text, yielding patched lines lazily. The
// sequence can be consumed once.
func (p *TextProcessor) Lines(ctx context.Context, r io.Reader) iter.Seq2[string, error] {
	return p.lines(ctx, r, &Stats{})
}

func (p *TextProcessor) lines(ctx context.Context, r io.Reader, stats *Stats) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		reader := bufio.NewReaderSize(r, 64*1024)
		chunk := make([]string, 0, p.chunkLines)

		flush := func() bool {
			if len(chunk) == 0 {
				return true
			}
			patched, count, err := p.analyzer.Process(ctx, chunk)
			if err != nil {
				yield("", err)
				return false
			}
			stats.Units += int64(len(chunk))
			stats.Matches += int64(count)
			chunk = chunk[:0]
			for _, line := range patched {
				if !yield(line, nil) {
					return false
				}
			}
			return true
		}

		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				chunk = append(chunk, line)
				if len(chunk) == p.chunkLines && !flush() {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield("", fmt.Errorf("failed to read text: %w", err))
				return
			}
		}
		flush()
	}
}

// Process masks in into out, preserving the input's text encoding. progress
// is called with the raw input bytes consumed so far.
func (p *TextProcessor) Process(ctx context.Context, in io.Reader, out io.Writer, progress ProgressFunc) (Stats, error) {
	var stats Stats
	counter := &countingReader{r: in}
	buffered := bufio.NewReaderSize(counter, sniffSize)

	sniff, err := buffered.Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return stats, fmt.Errorf("failed to read text: %w", err)
	}

	enc, err := DetectEncoding(sniff, len(sniff) == sniffSize)
	if err != nil {
		return stats, err
	}

	var source io.Reader = buffered
	writer := out
	var encoder io.WriteCloser
	if enc != nil {
		source = transform.NewReader(buffered, enc.NewDecoder())
		encoder = transform.NewWriter(out, enc.NewEncoder())
		writer = encoder
	}

	bw := bufio.NewWriterSize(writer, 64*1024)
	for line, err := range p.lines(ctx, source, &stats) {
		if err != nil {
			return stats, err
		}
		if _, err := bw.WriteString(line); err != nil {
			return stats, fmt.Errorf("failed to write masked text: %w", err)
		}
		if progress != nil {
			progress(counter.n)
		}
	}

	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("failed to write masked text: %w", err)
	}
	if encoder != nil {
		if err := encoder.Close(); err != nil {
			return stats, fmt.Errorf("failed to encode masked text: %w", err)
		}
	}

	stats.BytesIn = counter.n
	if progress != nil {
		progress(counter.n)
	}

	p.logger.Debug("Text masked",
		zap.Int64("lines", stats.Units),
		zap.Int64("matches", stats.Matches),
		zap.Int64("bytes", stats.BytesIn))

	return stats, nil
}

// DetectEncoding inspects the head of a text input; truncated tells whether
// more input follows. A nil encoding means the bytes are processed as UTF-8
// without transcoding.
func DetectEncoding(head []byte, truncated bool) (encoding.Encoding, error) {
	switch {
	case bytes.HasPrefix(head, []byte{0xEF, 0xBB, 0xBF}):
		return nil, nil
	case bytes.HasPrefix(head, []byte{0xFF, 0xFE}):
		return unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM), nil
	case bytes.HasPrefix(head, []byte{0xFE, 0xFF}):
		return unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM), nil
	case bytes.IndexByte(head, 0) >= 0:
		return nil, fmt.Errorf("%w: binary content without a byte order mark", ErrDecode)
	case utf8.Valid(head), truncated && validUTF8Prefix(head):
		return nil, nil
	default:
		return charmap.ISO8859_1, nil
	}
}

// validUTF8Prefix ignores a rune cut off at the end of the sniffed window
func validUTF8Prefix(head []byte) bool {
	for cut := 0; cut < utf8.UTFMax && cut <= len(head); cut++ {
		if utf8.Valid(head[:len(head)-cut]) {
			return cut == 0 || !utf8.FullRune(head[len(head)-cut:])
		}
	}
	return false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
