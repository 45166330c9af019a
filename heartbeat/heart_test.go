package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/protocol"
)

// --- Unit Tests ---

func TestHeartConfig_Validate(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	tests := []struct {
		name    string
		cfg     HeartConfig
		wantErr bool
	}{
		{"valid", HeartConfig{Bus: msgBus, Identity: "h1"}, false},
		{"missing bus", HeartConfig{Identity: "h1"}, true},
		{"missing identity", HeartConfig{Bus: msgBus}, true},
		{"dotted identity", HeartConfig{Bus: msgBus, Identity: "h.1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// --- Integration Tests ---

func TestHeart_AnswersPings(t *testing.T) {
	for _, name := range []string{codec.NameJSON, codec.NameCBOR} {
		t.Run(name, func(t *testing.T) {
			c, err := codec.Lookup(name)
			if err != nil {
				t.Fatal(err)
			}
			msgBus := bus.NewMemoryBus(bus.DefaultConfig())
			defer msgBus.Close()

			pongs, err := msgBus.Subscribe(protocol.SubjectPong)
			if err != nil {
				t.Fatal(err)
			}
			heart, err := NewHeart(HeartConfig{Bus: msgBus, Identity: "h1", Codec: c})
			if err != nil {
				t.Fatal(err)
			}
			if err := heart.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			defer heart.Stop()

			ping, _ := c.Marshal("7")
			msgBus.Publish(protocol.SubjectPing, ping)

			select {
			case msg := <-pongs.Messages():
				var pong protocol.Pong
				if err := c.Unmarshal(msg.Data, &pong); err != nil {
					t.Fatalf("decode pong: %v", err)
				}
				if pong.Identity != "h1" || pong.Token != "7" {
					t.Errorf("pong = %+v", pong)
				}
			case <-time.After(time.Second):
				t.Fatal("no pong")
			}
		})
	}
}

func TestHeart_Paused(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	pongs, _ := msgBus.Subscribe(protocol.SubjectPong)
	heart, _ := NewHeart(HeartConfig{Bus: msgBus, Identity: "h1"})
	heart.Start(context.Background())
	defer heart.Stop()
	heart.SetPaused(true)

	ping, _ := codec.JSON().Marshal("1")
	msgBus.Publish(protocol.SubjectPing, ping)

	select {
	case <-pongs.Messages():
		t.Fatal("paused heart answered")
	case <-time.After(50 * time.Millisecond):
	}
	if heart.Beats() != 0 {
		t.Errorf("Beats = %d", heart.Beats())
	}
}

func TestHeart_StartStop(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	heart, _ := NewHeart(HeartConfig{Bus: msgBus, Identity: "h1"})
	if err := heart.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before Start = %v", err)
	}
	if err := heart.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := heart.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v", err)
	}
	if err := heart.Stop(); err != nil {
		t.Errorf("Stop = %v", err)
	}
	if err := heart.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("second Stop = %v", err)
	}
}
