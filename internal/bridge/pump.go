package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mcpguard/mcpbridge/internal/framing"
	"github.com/mcpguard/mcpbridge/internal/jsonrpc"
	"github.com/mcpguard/mcpbridge/internal/mcp"
	"github.com/mcpguard/mcpbridge/internal/metrics"
)

// logPreview caps how much of a payload ends up in a log line.
const logPreview = 200

func (b *Bridge) pumpInbound() error {
	if b.cfg.ChildRaw {
		return b.copyRaw(metrics.DirectionInbound, b.childIn, b.client.In)
	}

	r := framing.NewReaderSize(b.client.In, b.cfg.ClientFraming, b.cfg.MaxMessageBytes)
	w := framing.NewWriter(b.childIn, framing.Lines)
	for {
		msg, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.log.Info().Msg("client closed input")
				return nil
			}
			return &TransportError{Direction: metrics.DirectionInbound, Op: "read", Err: err}
		}
		if len(bytes.TrimSpace(msg)) == 0 {
			b.drop(metrics.DirectionInbound, metrics.ReasonBlank)
			continue
		}
		msg = singleLine(bytes.TrimRight(msg, "\r\n"))

		env, _ := jsonrpc.Peek(msg)
		if env.Method == mcp.MethodInitialize {
			b.log.Info().Interface("id", env.ID).Msg("client initializing")
		}
		b.log.Debug().
			Interface("id", env.ID).
			Str("method", env.Method).
			Str("kind", env.Kind()).
			Msg("client -> child")
		b.audit(msg)

		if err := w.Write(msg); err != nil {
			return &TransportError{Direction: metrics.DirectionInbound, Op: "write", Err: err}
		}
		b.inbound.Add(1)
		b.metrics.Forwarded(metrics.DirectionInbound, len(msg))
	}
}

func (b *Bridge) pumpOutbound() error {
	if b.cfg.ChildRaw {
		return b.copyRaw(metrics.DirectionOutbound, b.client.Out, b.childOut)
	}

	r := framing.NewReaderSize(b.childOut, framing.Lines, b.cfg.MaxMessageBytes)
	w := framing.NewWriter(b.client.Out, b.cfg.ClientFraming)
	for {
		line, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.log.Info().Msg("child closed output")
				return nil
			}
			return &TransportError{Direction: metrics.DirectionOutbound, Op: "read", Err: err}
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			b.drop(metrics.DirectionOutbound, metrics.ReasonBlank)
			continue
		}

		out, err := b.transform(line)
		if err != nil {
			b.log.Warn().Err(err).Str("line", preview(line)).Msg("dropping child message")
			b.drop(metrics.DirectionOutbound, metrics.ReasonMalformed)
			continue
		}

		if err := w.Write(out); err != nil {
			return &TransportError{Direction: metrics.DirectionOutbound, Op: "write", Err: err}
		}
		b.outbound.Add(1)
		b.metrics.Forwarded(metrics.DirectionOutbound, len(out))
	}
}

// transform parses one child message and rewrites it when it carries a
// tool list. Any other valid document is returned byte for byte.
func (b *Bridge) transform(line []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &MalformedPayloadError{Payload: line, Err: err}
	}
	if dec.InputOffset() != int64(len(line)) {
		return nil, &MalformedPayloadError{Payload: line, Err: errors.New("trailing data after document")}
	}

	if e := b.log.Debug(); e.Enabled() {
		env, _ := jsonrpc.Peek(line)
		e.Interface("id", env.ID).Str("method", env.Method).Str("kind", env.Kind()).Msg("child -> client")
	}

	n := b.rewriter.RewriteToolList(doc)
	if n == 0 {
		return line, nil
	}
	b.rewritten.Add(int64(n))
	b.metrics.SchemasRewritten(n)
	b.log.Debug().Int("schemas", n).Msg("normalized tool schemas")

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode rewritten tool list: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (b *Bridge) audit(msg []byte) {
	if b.auditor == nil {
		return
	}
	findings := b.auditor.Scan(msg)
	if len(findings) == 0 {
		return
	}
	b.secrets.Add(int64(len(findings)))
	b.metrics.SecretFindings(len(findings))
	for _, f := range findings {
		b.log.Warn().
			Str("tool", f.Tool).
			Str("argument", f.Argument).
			Str("rule", f.RuleID).
			Msg(f.Description)
	}
}

func (b *Bridge) drop(direction, reason string) {
	b.dropped.Add(1)
	b.metrics.Dropped(direction, reason)
}

// copyRaw moves bytes without looking at them.
func (b *Bridge) copyRaw(direction string, dst io.Writer, src io.Reader) error {
	n, err := io.Copy(&countingWriter{w: dst, direction: direction, b: b}, src)
	b.log.Info().Str("direction", direction).Int64("bytes", n).Msg("raw stream closed")
	if err != nil {
		return &TransportError{Direction: direction, Op: "copy", Err: err}
	}
	return nil
}

type countingWriter struct {
	w         io.Writer
	direction string
	b         *Bridge
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.b.metrics.Forwarded(c.direction, n)
		if c.direction == metrics.DirectionInbound {
			c.b.inbound.Add(1)
		} else {
			c.b.outbound.Add(1)
		}
	}
	return n, err
}

// singleLine compacts a multi-line JSON document so that it fits the
// child's one-message-per-line framing. Anything else is returned as is.
func singleLine(msg []byte) []byte {
	if !bytes.ContainsAny(msg, "\r\n") {
		return msg
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg); err != nil {
		return msg
	}
	return buf.Bytes()
}

func preview(b []byte) string {
	if len(b) > logPreview {
		return string(b[:logPreview]) + "..."
	}
	return string(b)
}
