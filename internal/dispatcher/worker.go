package dispatcher

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lklic/idios/internal/apierr"
	"github.com/lklic/idios/internal/command"
)

// handlerFunc decodes a job's raw args, invokes the matching Commands method,
// and returns a JSON-marshalable result.
type handlerFunc func(ctx context.Context, c *command.Commands, args json.RawMessage) (any, error)

// handlers maps the RPC command names callers publish to the Commands method
// that serves them. Keeping this as a table, rather than a type switch,
// mirrors the teacher's EventHandler-per-topic shape in Subscribe while
// giving every command its own typed argument struct.
var handlers = map[string]handlerFunc{
	"ping": func(ctx context.Context, c *command.Commands, _ json.RawMessage) (any, error) {
		return c.Ping(ctx)
	},
	"insert_images": func(ctx context.Context, c *command.Commands, raw json.RawMessage) (any, error) {
		var a struct {
			Model           string      `json:"model"`
			Urls            []string    `json:"urls"`
			Metadatas       []any       `json:"metadatas"`
			Embeddings      [][]float32 `json:"embeddings"`
			ReplaceExisting bool        `json:"replace_existing"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return c.InsertImages(ctx, a.Model, a.Urls, a.Metadatas, a.Embeddings, a.ReplaceExisting)
	},
	"add_bulk": func(ctx context.Context, c *command.Commands, raw json.RawMessage) (any, error) {
		var a struct {
			Model     string   `json:"model"`
			Urls      []string `json:"urls"`
			Metadatas []any    `json:"metadatas"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return c.AddBulk(ctx, a.Model, a.Urls, a.Metadatas)
	},
	"restore": func(ctx context.Context, c *command.Commands, raw json.RawMessage) (any, error) {
		var a struct {
			Model      string      `json:"model"`
			Urls       []string    `json:"urls"`
			Metadatas  []any       `json:"metadatas"`
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return nil, c.Restore(ctx, a.Model, a.Urls, a.Metadatas, a.Embeddings)
	},
	"search_by_embeddings": func(ctx context.Context, c *command.Commands, raw json.RawMessage) (any, error) {
		var a struct {
			Model     string    `json:"model"`
			Embedding []float32 `json:"embedding"`
			Limit     int       `json:"limit"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return c.SearchByEmbeddings(ctx, a.Model, a.Embedding, a.Limit)
	},
	"search_by_url": func(ctx context.Context, c *command.Commands, raw json.RawMessage) (any, error) {
		var a struct {
			Model string `json:"model"`
			URL   string `json:"url"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return c.SearchByURL(ctx, a.Model, a.URL, a.Limit)
	},
	"search_by_text": func(ctx context.Context, c *command.Commands, raw json.RawMessage) (any, error) {
		var a struct {
			Model string `json:"model"`
			Text  string `json:"text"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return c.SearchByText(ctx, a.Model, a.Text, a.Limit)
	},
	"compare": func(ctx context.Context, c *command.Commands, raw json.RawMessage) (any, error) {
		var a struct {
			Model string `json:"model"`
			Left  string `json:"left"`
			Right string `json:"right"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return c.Compare(ctx, a.Model, a.Left, a.Right)
	},
	"list_images": func(ctx context.Context, c *command.Commands, raw json.RawMessage) (any, error) {
		var a struct {
			Model         string `json:"model"`
			Cursor        string `json:"cursor"`
			Limit         int    `json:"limit"`
			IncludeFields bool   `json:"include_fields"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		entries, next, err := c.ListImages(ctx, a.Model, a.Cursor, a.Limit, a.IncludeFields)
		if err != nil {
			return nil, err
		}
		return struct {
			Images []command.ImageEntry `json:"images"`
			Cursor []string             `json:"cursor"`
		}{entries, next}, nil
	},
	"count": func(ctx context.Context, c *command.Commands, raw json.RawMessage) (any, error) {
		var a struct {
			Model string `json:"model"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return c.Count(ctx, a.Model)
	},
	"remove_images": func(ctx context.Context, c *command.Commands, raw json.RawMessage) (any, error) {
		var a struct {
			Model string   `json:"model"`
			Urls  []string `json:"urls"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return nil, c.RemoveImages(ctx, a.Model, a.Urls)
	},
	"dump": func(ctx context.Context, c *command.Commands, raw json.RawMessage) (any, error) {
		var a struct {
			Model  string `json:"model"`
			Cursor string `json:"cursor"`
			Limit  int    `json:"limit"`
		}
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}
		return c.Dump(ctx, a.Model, a.Cursor, a.Limit)
	},
}

func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apierr.ParameterError("dispatcher: decoding args: %v", err)
	}
	return nil
}

// Worker consumes JobTopic and dispatches each job to the handler table,
// publishing a reply keyed by correlation id to the job's private reply
// topic. Modeled on the teacher's KafkaBroker consumeLoop, generalized from
// fire-and-forget event delivery to a call/reply pair.
type Worker struct {
	brokers []string
	group   string
	cmds    *command.Commands
	reader  *kafka.Reader
	writer  *kafka.Writer

	mu     sync.Mutex
	closed bool
}

// NewWorker builds a Worker that consumes JobTopic as part of group and
// dispatches decoded jobs to cmds.
func NewWorker(brokers []string, group string, cmds *command.Commands) *Worker {
	return &Worker{
		brokers: brokers,
		group:   group,
		cmds:    cmds,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    JobTopic,
			GroupID:  group,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		}),
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
			Async:    false,
		},
	}
}

// Run consumes jobs until ctx is cancelled. Each job is fully handled
// (including the reply publish) before the next message is fetched and its
// offset committed, so a worker never acknowledges a job it did not finish.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		w.handle(ctx, msg)

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("dispatcher: commit offset: %v", err)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	var j job
	if err := json.Unmarshal(msg.Value, &j); err != nil {
		log.Printf("dispatcher: decoding job envelope: %v", err)
		return
	}

	result, err := w.dispatch(ctx, j)

	r := reply{CorrelationID: j.CorrelationID}
	if err != nil {
		if apiErr, ok := apierr.AsError(err); ok {
			r.ExceptionType = string(apiErr.Kind)
			r.ExceptionArgs = []string{apiErr.Message}
		} else {
			r.ExceptionType = string(apierr.KindServer)
			r.ExceptionArgs = []string{err.Error()}
		}
	} else if result != nil {
		body, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			r.ExceptionType = string(apierr.KindServer)
			r.ExceptionArgs = []string{marshalErr.Error()}
		} else {
			r.Result = body
		}
	}

	body, err := json.Marshal(r)
	if err != nil {
		log.Printf("dispatcher: encoding reply: %v", err)
		return
	}
	if j.ReplyTo == "" {
		return
	}
	if err := w.writer.WriteMessages(ctx, kafka.Message{Topic: j.ReplyTo, Key: []byte(j.CorrelationID), Value: body}); err != nil {
		log.Printf("dispatcher: publishing reply: %v", err)
	}
}

func (w *Worker) dispatch(ctx context.Context, j job) (any, error) {
	h, ok := handlers[j.Command]
	if !ok {
		return nil, apierr.ParameterError("dispatcher: unknown command %q", j.Command)
	}
	return h(ctx, w.cmds, j.Args)
}

// Close stops the worker's reader and writer.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.reader.Close(); err != nil {
		firstErr = err
	}
	if err := w.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
