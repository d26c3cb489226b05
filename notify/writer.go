package notify

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/MrEthical07/otpauth"
)

// WriterNotifier writes each delivery as a JSON line. It exists for local
// development and must not be wired in production: it emits the code.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

func (n *WriterNotifier) Deliver(_ context.Context, d otpauth.Delivery) error {
	line, err := json.Marshal(envelopeFor(d))
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	_, err = n.w.Write(append(line, '\n'))
	return err
}
