package mock

import (
	"testing"
	"time"
)

func TestAdvance_FiresInDeadlineOrder(t *testing.T) {
	clk := New(time.Unix(0, 0))
	var order []int
	clk.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clk.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	late := clk.AfterFunc(10*time.Second, func() { order = append(order, 10) })

	clk.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("order = %v, want [1 3]", order)
	}
	if got := clk.Now(); !got.Equal(time.Unix(5, 0)) {
		t.Errorf("Now = %v, want 5s", got)
	}
	if !late.Stop() {
		t.Error("Stop on pending timer = false, want true")
	}
	if late.Stop() {
		t.Error("second Stop = true, want false")
	}
	if clk.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", clk.Pending())
	}
}

func TestAdvance_TimerSeesItsDeadline(t *testing.T) {
	clk := New(time.Unix(0, 0))
	var at time.Time
	clk.AfterFunc(2*time.Second, func() { at = clk.Now() })
	clk.Advance(5 * time.Second)
	if !at.Equal(time.Unix(2, 0)) {
		t.Errorf("callback saw %v, want 2s", at)
	}
}

func TestTicker(t *testing.T) {
	clk := New(time.Unix(0, 0))
	tk := clk.NewTicker(time.Second)

	clk.Advance(500 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("tick before period elapsed")
	default:
	}

	clk.Advance(500 * time.Millisecond)
	select {
	case <-tk.C():
	default:
		t.Fatal("no tick after one period")
	}

	tk.Stop()
	clk.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("tick after Stop")
	default:
	}
}
