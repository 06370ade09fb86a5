package lifecycle

import (
	"net/http"
	"testing"

	"github.com/siphon-proxy/siphon/internal/certstore"
	"github.com/siphon-proxy/siphon/internal/diverter"
	"github.com/siphon-proxy/siphon/internal/message"
	"github.com/siphon-proxy/siphon/internal/trust"
)

func testCallbacks() message.Callbacks {
	return message.Callbacks{
		NewHTTPMessage: func(info *message.Info) message.NextAction {
			return message.AllowAndIgnoreContent
		},
		WholeBodyInspection: func(info *message.Info) message.NextAction {
			return message.AllowAndIgnoreContent
		},
		StreamedInspection: func(info *message.Info) message.StreamHooks {
			return message.StreamHooks{}
		},
		ReplayInspection:       func(info *message.Info, url string) {},
		ExternalRequestHandler: func(w http.ResponseWriter, r *http.Request, info *message.Info) {},
	}
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	store, err := certstore.New("siphon-lifecycle-test", trust.NullInstaller{}, nil)
	if err != nil {
		t.Fatalf("certstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	div := diverter.NewLoopbackDiverter(nil, true, nil)

	return New(Options{
		Certs:     store,
		Diverter:  div,
		Callbacks: testCallbacks(),
		Client:    http.DefaultClient,
	})
}

func TestStartBindsListenersAndStopIsIdempotent(t *testing.T) {
	c := newTestController(t)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.v4 == nil || c.v6 == nil {
		t.Fatal("expected both v4 and v6 listeners to be bound")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop must be a no-op, got error: %v", err)
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	c := newTestController(t)
	if err := c.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer c.Stop()

	firstV4 := c.v4
	if err := c.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if c.v4 != firstV4 {
		t.Fatal("second Start must not rebind listeners while already running")
	}
}
