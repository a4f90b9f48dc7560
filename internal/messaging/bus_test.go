package messaging

import (
	"context"
	"testing"
)

func TestBusSendBuildsMessage(t *testing.T) {
	var sent Message
	bus := NewBus("verifier_001", func(_ context.Context, msg Message) error {
		sent = msg
		return nil
	})

	if err := bus.Send(context.Background(), "miner_001", TypePayment, map[string]string{"amount": "500000"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.From != "verifier_001" || sent.To != "miner_001" || sent.Type != TypePayment {
		t.Fatalf("unexpected message: %+v", sent)
	}
	if sent.ID == "" {
		t.Fatalf("expected generated message id")
	}
	if sent.Timestamp == 0 {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestBusSendWithoutSendFuncIsNoop(t *testing.T) {
	bus := NewBus("verifier_001", nil)
	if err := bus.Send(context.Background(), "miner_001", TypeSocial, nil); err != nil {
		t.Fatalf("send without send fn should be a noop, got %v", err)
	}
}

func TestBusDeliverInvokesHandler(t *testing.T) {
	bus := NewBus("miner_001", nil)

	var received Message
	bus.OnMessage(func(msg Message) { received = msg })
	bus.Deliver(Message{From: "verifier_001", To: "miner_001", Type: TypeCommission})
	if received.From != "verifier_001" || received.Type != TypeCommission {
		t.Fatalf("handler did not receive message: %+v", received)
	}

	// 重复注册应覆盖旧 handler。
	var count int
	bus.OnMessage(func(Message) { count++ })
	bus.Deliver(Message{To: "miner_001"})
	if count != 1 {
		t.Fatalf("expected replacement handler invoked once, got %d", count)
	}
}

func TestBusDeliverWithoutHandlerDropsSilently(t *testing.T) {
	bus := NewBus("miner_001", nil)
	bus.Deliver(Message{To: "miner_001", Type: TypeDiscovery})
}
