package llm

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

// SSEEvent is one Server-Sent Event.
type SSEEvent struct {
	Type string
	Data string
}

// ReadSSE yields the events of a text/event-stream body. Multiple data
// lines are joined with "\n"; comments and id/retry fields are skipped.
// A read error other than EOF is yielded once and ends the sequence.
func ReadSSE(r io.Reader) iter.Seq2[SSEEvent, error] {
	return func(yield func(SSEEvent, error) bool) {
		br := bufio.NewReaderSize(r, 64*1024)

		var (
			eventType string
			data      []string
		)
		flush := func() bool {
			if len(data) == 0 {
				eventType = ""
				return true
			}
			ev := SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
			eventType, data = "", nil
			return yield(ev, nil)
		}

		for {
			line, err := br.ReadString('\n')
			if line != "" {
				line = strings.TrimRight(line, "\r\n")
				if line == "" {
					if !flush() {
						return
					}
				} else if !strings.HasPrefix(line, ":") {
					field, value, _ := strings.Cut(line, ":")
					value = strings.TrimPrefix(value, " ")
					switch field {
					case "data":
						data = append(data, value)
					case "event":
						eventType = value
					}
				}
			}
			if err == io.EOF {
				flush()
				return
			}
			if err != nil {
				yield(SSEEvent{}, err)
				return
			}
		}
	}
}
