package pending

import (
	"testing"
	"time"

	"github.com/lobber-dev/lobber/internal/gwerrors"
)

func TestCompleteDeliversResponse(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Register("r1", time.Second)

	if !tbl.Complete("r1", &Response{StatusCode: 200}) {
		t.Fatal("expected Complete to find the entry")
	}

	out := <-ch
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if out.Response == nil || out.Response.StatusCode != 200 {
		t.Fatalf("got %+v", out.Response)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected table to be empty, got %d", tbl.Len())
	}
}

func TestFailDeliversError(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Register("r1", time.Second)

	wantErr := gwerrors.New(gwerrors.CodeRequestFailed, "local target refused")
	if !tbl.Fail("r1", wantErr) {
		t.Fatal("expected Fail to find the entry")
	}
	out := <-ch
	if out.Err != wantErr {
		t.Fatalf("got %v, want %v", out.Err, wantErr)
	}
}

func TestDeadlineExpiresWithTimeoutCode(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Register("r1", 10*time.Millisecond)

	select {
	case out := <-ch:
		gwErr, ok := out.Err.(*gwerrors.Error)
		if !ok || gwErr.Code != gwerrors.CodeRequestTimeout {
			t.Fatalf("got %v, want REQUEST_TIMEOUT", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}
}

func TestCompleteAfterExpiryIsDropped(t *testing.T) {
	tbl := NewTable()
	tbl.Register("r1", 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if tbl.Complete("r1", &Response{StatusCode: 200}) {
		t.Fatal("expected Complete to report the entry gone after expiry")
	}
}

func TestCancelDropsLateResolution(t *testing.T) {
	tbl := NewTable()
	tbl.Register("r1", time.Second)
	tbl.Cancel("r1")

	if tbl.Complete("r1", &Response{StatusCode: 200}) {
		t.Fatal("expected Complete to report the entry gone after cancel")
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected table empty after cancel, got %d", tbl.Len())
	}
}

func TestFailAllResolvesEveryEntry(t *testing.T) {
	tbl := NewTable()
	chans := make([]<-chan Outcome, 0, 5)
	for i := 0; i < 5; i++ {
		chans = append(chans, tbl.Register(string(rune('a'+i)), time.Minute))
	}

	closeErr := gwerrors.New(gwerrors.CodeConnectionClosed, "tunnel closed")
	tbl.FailAll(closeErr)

	for _, ch := range chans {
		out := <-ch
		if out.Err != closeErr {
			t.Fatalf("got %v, want %v", out.Err, closeErr)
		}
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected table empty, got %d", tbl.Len())
	}
}

func TestCompleteUnknownIDIsNoop(t *testing.T) {
	tbl := NewTable()
	if tbl.Complete("ghost", &Response{}) {
		t.Fatal("expected Complete on unknown id to report false")
	}
}
