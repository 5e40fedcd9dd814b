package queue

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const stdioMaxLineBytes = 1 << 20

type stdioConsumer struct {
	out  chan Message
	errs chan error

	stop      context.CancelFunc
	closeOnce sync.Once
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	src := cfg.Reader
	if src == nil {
		src = os.Stdin
	}
	limit := cfg.MaxLineBytes
	if limit <= 0 {
		limit = stdioMaxLineBytes
	}

	ctx, stop := context.WithCancel(parent)
	c := &stdioConsumer{
		out:  make(chan Message, 64),
		errs: make(chan error, 8),
		stop: stop,
	}
	go c.scanLoop(ctx, src, limit)
	return c, nil
}

// scanLoop delivers one message per input line. Topic and key are empty
// under this driver; routing is the caller's problem.
func (c *stdioConsumer) scanLoop(ctx context.Context, src io.Reader, limit int) {
	defer close(c.out)
	defer close(c.errs)

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 1024), limit)
	for sc.Scan() {
		msg := Message{
			Value:     append([]byte(nil), sc.Bytes()...),
			Timestamp: time.Now().UTC(),
		}
		select {
		case c.out <- msg:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case c.errs <- err:
		case <-ctx.Done():
		}
	}
}

func (c *stdioConsumer) Messages() <-chan Message { return c.out }

func (c *stdioConsumer) Errors() <-chan error { return c.errs }

func (c *stdioConsumer) Close() error {
	c.closeOnce.Do(c.stop)
	return nil
}

// stdioProducer writes each payload as one line. Topic and key are dropped;
// a piped run has a single reader on the other end.
type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, _, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	_, err := p.w.Write([]byte{'\n'})
	return err
}

func (p *stdioProducer) Close() error { return nil }
