package eventbus

import (
	"context"
	"testing"
)

func TestNoopBus_NeverPanics(t *testing.T) {
	var b Emitter = NoopBus{}
	b.Emit(context.Background(), Event{Type: "DetectionCreated", Payload: map[string]string{"detectionId": "d-1"}})
}
