package presence

import (
	"context"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestDebounce(t *testing.T) {
	p := &gpiotest.Pin{N: "CD", Num: 17, EdgesChan: make(chan gpio.Level, 8)}
	d, err := New(p, Config{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if d.Present() {
		t.Fatal("card present with the line pulled up")
	}
	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan bool, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Watch(ctx, func(present bool) { changes <- present })
	}()
	defer func() {
		cancel()
		<-done
	}()

	expect := func(want bool) {
		t.Helper()
		select {
		case got := <-changes:
			if got != want {
				t.Fatalf("presence changed to %v, want %v", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no change to %v", want)
		}
		if d.Present() != want {
			t.Fatalf("Present() = %v, want %v", d.Present(), want)
		}
	}

	p.EdgesChan <- gpio.Low
	expect(true)
	// A bounce back to the stable level is not reported.
	p.EdgesChan <- gpio.High
	p.EdgesChan <- gpio.Low
	p.EdgesChan <- gpio.High
	p.EdgesChan <- gpio.Low
	time.Sleep(60 * time.Millisecond)
	p.EdgesChan <- gpio.High
	expect(false)
}

func TestActiveHigh(t *testing.T) {
	p := &gpiotest.Pin{N: "CD", EdgesChan: make(chan gpio.Level, 1)}
	d, err := New(p, Config{ActiveHigh: true})
	if err != nil {
		t.Fatal(err)
	}
	if d.Present() {
		t.Error("card present with the line pulled down")
	}
	if p.Pull() != gpio.PullDown {
		t.Errorf("pull %v, want %v", p.Pull(), gpio.PullDown)
	}
}

func TestFixed(t *testing.T) {
	if !Fixed(true).Present() || Fixed(false).Present() {
		t.Error("fixed presence")
	}
}
