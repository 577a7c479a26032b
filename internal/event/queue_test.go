package event

import (
	"fmt"
	"testing"

	"github.com/strangelab/nodeagent/internal/clock"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(3)
	for i := 0; i < 3; i++ {
		if !q.Push([]byte(fmt.Sprint(i))) {
			t.Fatalf("Push(%d) failed", i)
		}
	}
	if q.Push([]byte("x")) {
		t.Fatal("Push on full queue succeeded")
	}
	if q.Len() != 3 || q.Cap() != 3 {
		t.Fatalf("Len/Cap = %d/%d, want 3/3", q.Len(), q.Cap())
	}
	if got := string(q.At(2).JSON); got != "2" {
		t.Errorf("At(2) = %q, want %q", got, "2")
	}
	if q.At(3) != nil {
		t.Error("At(3) should be nil")
	}

	q.Pop()
	if !q.Push([]byte("3")) {
		t.Fatal("Push after Pop failed")
	}
	for _, want := range []string{"1", "2", "3"} {
		if got := string(q.Front().JSON); got != want {
			t.Errorf("Front() = %q, want %q", got, want)
		}
		q.Pop()
	}
	if !q.Empty() || q.Front() != nil {
		t.Error("queue should be empty")
	}
	q.Pop()
	if q.Len() != 0 {
		t.Errorf("Pop on empty changed Len to %d", q.Len())
	}
}

func TestQueue_LoggedFlagSurvivesFront(t *testing.T) {
	q := NewQueue(2)
	q.Push([]byte("a"))
	q.Front().Logged = true
	if !q.Front().Logged {
		t.Error("Logged flag not persisted on entry")
	}
	q.Pop()
	q.Push([]byte("b"))
	q.Push([]byte("c"))
	if q.Front().Logged {
		t.Error("new entry should not be logged")
	}
}

func TestQueue_MinimumCapacity(t *testing.T) {
	q := NewQueue(0)
	if q.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1", q.Cap())
	}
}

func TestAdmitter_Outcomes(t *testing.T) {
	q := NewQueue(2)
	a := NewAdmitter(q, true)
	good := []byte(`{"v":1,"ts_ms":1,"node_id":"n","type":"t","src":"n","seq":1,"data":{}}`)

	var seen int
	a.OnAccept(func([]byte) { seen++ })

	if got := a.Enqueue([]byte(`{"v":1}`)); got != Invalid {
		t.Errorf("Enqueue(bad) = %v, want invalid", got)
	}
	if got := a.Enqueue(good); got != Accepted {
		t.Errorf("Enqueue(good) = %v, want accepted", got)
	}
	a.Enqueue(good)
	if got := a.Enqueue(good); got != Dropped {
		t.Errorf("Enqueue(full) = %v, want dropped", got)
	}

	if a.Invalid() != 1 || a.Dropped() != 1 || q.Len() != 2 {
		t.Errorf("invalid=%d dropped=%d depth=%d, want 1/1/2", a.Invalid(), a.Dropped(), q.Len())
	}
	if seen != 2 {
		t.Errorf("observer saw %d, want 2", seen)
	}
}

func TestAdmitter_ValidationDisabled(t *testing.T) {
	a := NewAdmitter(NewQueue(1), false)
	if got := a.Enqueue([]byte("garbage")); got != Accepted {
		t.Errorf("Enqueue() = %v, want accepted", got)
	}
}

func TestPipeline_Emit(t *testing.T) {
	q := NewQueue(300)
	p := &Pipeline{
		Builder:  NewBuilder(1, "n", clock.NewManual(5)),
		Admitter: NewAdmitter(q, true),
	}

	attempts := 305
	for i := 0; i < attempts; i++ {
		p.Emit(TypeHeartbeat, map[string]int{"i": i})
	}
	if q.Len()+int(p.Admitter.Dropped())+int(p.Admitter.Invalid()) != attempts {
		t.Errorf("depth+drops+invalid = %d, want %d", q.Len()+int(p.Admitter.Dropped())+int(p.Admitter.Invalid()), attempts)
	}
	if q.Len() != 300 || p.Admitter.Dropped() != 5 {
		t.Errorf("depth=%d drops=%d, want 300/5", q.Len(), p.Admitter.Dropped())
	}

	var last uint64
	for i := 0; i < q.Len(); i++ {
		ev, err := Parse(q.At(i).JSON)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if ev.Seq <= last {
			t.Fatalf("seq %d not greater than %d", ev.Seq, last)
		}
		last = ev.Seq
	}

	if got := p.Emit(TypeHeartbeat, map[string]any{"c": make(chan int)}); got != Invalid {
		t.Errorf("Emit(bad data) = %v, want invalid", got)
	}
}
