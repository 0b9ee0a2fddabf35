package resolver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pario-ai/offlinekit/pkg/models"
	"github.com/pario-ai/offlinekit/pkg/upstream"
)

// Chunks splits text into pieces of at most size runes.
func Chunks(text string, size int) []string {
	if size <= 0 {
		size = 1
	}
	runes := []rune(text)
	out := make([]string, 0, len(runes)/size+1)
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// WriteStream emits res as an event stream with the same framing as
// the live chat endpoint: token events followed by a done event that
// carries the provenance.
func WriteStream(w http.ResponseWriter, res Resolution, chunkSize int) error {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Offline-Source", string(res.Provenance))
	w.WriteHeader(http.StatusOK)
	return writeEvents(w, res, chunkSize)
}

func writeEvents(w io.Writer, res Resolution, chunkSize int) error {
	flusher, _ := w.(http.Flusher)
	for _, chunk := range Chunks(res.Text, chunkSize) {
		if err := writeEvent(w, models.StreamEvent{Type: models.StreamToken, Content: chunk}); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	err := writeEvent(w, models.StreamEvent{
		Type:       models.StreamDone,
		Offline:    res.Provenance.Offline(),
		Provenance: res.Provenance,
		Category:   res.Category,
	})
	if flusher != nil {
		flusher.Flush()
	}
	return err
}

func writeEvent(w io.Writer, ev models.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// Relayed is what a relayed live stream produced.
type Relayed struct {
	Text string
	// Done is set when the stream ended with a done event.
	Done bool
	// Failed is set when the stream carried an error event.
	Failed bool
}

// maxLineSize bounds a single SSE line.
const maxLineSize = 1 << 20

// RelayStream copies a live event stream from resp to w line by line,
// flushing at event boundaries, and accumulates token content.
func RelayStream(w http.ResponseWriter, resp *http.Response) (*Relayed, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	upstream.CopyResponseHeader(w.Header(), resp.Header)
	w.Header().Set("X-Offline-Source", string(models.ProvenanceLive))
	w.WriteHeader(resp.StatusCode)

	result := &Relayed{}
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintf(w, "%s\n", line)
		if line == "" {
			flusher.Flush()
		}

		data, found := strings.CutPrefix(line, "data:")
		if !found {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			result.Done = true
			continue
		}
		ev := gjson.Parse(data)
		switch ev.Get("type").String() {
		case models.StreamToken:
			text.WriteString(ev.Get("content").String())
		case models.StreamDone:
			result.Done = true
		case models.StreamError:
			result.Failed = true
		}
	}
	flusher.Flush()

	result.Text = text.String()
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading stream: %w", err)
	}
	return result, nil
}
