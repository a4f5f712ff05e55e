// ABOUTME: In-memory and log-only Sender implementations
// ABOUTME: Recorder captures sends for tests; LogSender is the dry-run transport

package transport

import (
	"context"
	"log/slog"
	"sync"
)

// Kind of a sent message.
type Kind string

const (
	KindText     Kind = "text"
	KindHTML     Kind = "html"
	KindDocument Kind = "document"
	KindVideo    Kind = "video"
)

// Sent is one message captured by a Recorder.
type Sent struct {
	Kind    Kind
	To      string
	Body    string
	HTML    string
	MediaID string
}

// Recorder is a Sender that keeps everything it was asked to send.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	// Err, when set, is returned by every send.
	Err error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) add(s Sent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, s)
	return nil
}

func (r *Recorder) SendText(_ context.Context, to, text string) error {
	return r.add(Sent{Kind: KindText, To: to, Body: text})
}

func (r *Recorder) SendHTML(_ context.Context, to, plain, html string) error {
	return r.add(Sent{Kind: KindHTML, To: to, Body: plain, HTML: html})
}

func (r *Recorder) SendDocument(_ context.Context, to, mediaID string) error {
	return r.add(Sent{Kind: KindDocument, To: to, MediaID: mediaID})
}

func (r *Recorder) SendVideo(_ context.Context, to, mediaID string) error {
	return r.add(Sent{Kind: KindVideo, To: to, MediaID: mediaID})
}

// Sent returns a copy of everything sent so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// To returns the messages sent to one address.
func (r *Recorder) To(addr string) []Sent {
	var out []Sent
	for _, s := range r.Sent() {
		if s.To == addr {
			out = append(out, s)
		}
	}
	return out
}

// Reset forgets captured messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

// LogSender writes outbound messages to the log instead of a network.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a dry-run sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "transport.log")}
}

func (l *LogSender) SendText(_ context.Context, to, text string) error {
	l.logger.Info("outbound text", "to", to, "text", text)
	return nil
}

func (l *LogSender) SendDocument(_ context.Context, to, mediaID string) error {
	l.logger.Info("outbound document", "to", to, "media_id", mediaID)
	return nil
}

func (l *LogSender) SendVideo(_ context.Context, to, mediaID string) error {
	l.logger.Info("outbound video", "to", to, "media_id", mediaID)
	return nil
}

var (
	_ Sender     = (*Recorder)(nil)
	_ RichSender = (*Recorder)(nil)
	_ Sender     = (*LogSender)(nil)
)
