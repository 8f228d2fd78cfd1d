package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeDetectorScript creates an executable shell script standing in for a
// real face detector binary.
func writeDetectorScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-detector")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake detector: %v", err)
	}
	return path
}

// recvDetection reads one value from the detections channel with a timeout.
func recvDetection(t *testing.T, ch <-chan Detection) (Detection, bool) {
	t.Helper()
	select {
	case d, ok := <-ch:
		return d, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting on the detections channel")
		return Detection{}, false
	}
}

// TestNewCommand_Validation checks the argv rejections.
func TestNewCommand_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewCommand(nil); err == nil {
		t.Error("expected error for nil argv, got nil")
	}
	if _, err := NewCommand([]string{""}); err == nil {
		t.Error("expected error for empty executable, got nil")
	}
	if _, err := CommandFactory(nil)(); err == nil {
		t.Error("expected factory error for nil argv, got nil")
	}
}

// TestCommand_StreamsDetections runs a stand-in detector and checks that
// parseable lines come through in order, garbage is skipped, and a
// deliberate Close ends the stream cleanly.
func TestCommand_StreamsDetections(t *testing.T) {
	t.Parallel()

	script := writeDetectorScript(t,
		"printf '0.25 0.75\\n'\n"+
			"printf 'no face\\n'\n"+
			"printf '0.5 0.5\\n'\n"+
			"sleep 5")
	det, err := NewCommand([]string{script})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if err := det.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = det.Close() })

	first, ok := recvDetection(t, det.Detections())
	if !ok || first != (Detection{X: 0.25, Y: 0.75}) {
		t.Errorf("first detection = (%+v, %v), want ({0.25 0.75}, true)", first, ok)
	}
	second, ok := recvDetection(t, det.Detections())
	if !ok || second != (Detection{X: 0.5, Y: 0.5}) {
		t.Errorf("second detection = (%+v, %v), want ({0.5 0.5}, true)", second, ok)
	}

	if err := det.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := recvDetection(t, det.Detections()); ok {
		t.Error("channel still open after Close")
	}
	if err := det.Err(); err != nil {
		t.Errorf("Err after deliberate Close = %v, want nil", err)
	}
	if err := det.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

// TestCommand_ExitReportsError checks that a detector that dies on its own
// closes the stream with the exit error attached.
func TestCommand_ExitReportsError(t *testing.T) {
	t.Parallel()

	script := writeDetectorScript(t, "exit 3")
	det, err := NewCommand([]string{script})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if err := det.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = det.Close() })

	for {
		if _, ok := recvDetection(t, det.Detections()); !ok {
			break
		}
	}
	if err := det.Err(); err == nil {
		t.Error("Err after detector crash = nil, want exit error")
	}
}

// TestCommand_SingleUse checks the start-once and closed-instance rules.
func TestCommand_SingleUse(t *testing.T) {
	t.Parallel()

	script := writeDetectorScript(t, "sleep 5")
	det, err := NewCommand([]string{script})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if err := det.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = det.Close() })

	if err := det.Start(context.Background()); err == nil {
		t.Error("expected error from second Start, got nil")
	}

	closed, err := NewCommand([]string{script})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if err := closed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := closed.Start(context.Background()); err == nil {
		t.Error("expected error starting a closed detector, got nil")
	}
}

// TestCommand_KeepsFreshestWhenUnread checks the bounded queue: with nobody
// draining, old detections are dropped and the newest one survives.
func TestCommand_KeepsFreshestWhenUnread(t *testing.T) {
	t.Parallel()

	// 50 distinct lines, newest last. The script keeps running so the
	// channel stays open while the queue is inspected.
	body := "i=1\nwhile [ $i -le 50 ]; do printf '0.5 0.%02d\\n' $i; i=$((i+1)); done\nsleep 5"
	script := writeDetectorScript(t, body)
	det, err := NewCommand([]string{script})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if err := det.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = det.Close() })

	// Let the producer finish all 50 lines before draining.
	time.Sleep(300 * time.Millisecond)

	var got []Detection
drain:
	for {
		select {
		case d := <-det.Detections():
			got = append(got, d)
		default:
			break drain
		}
	}

	if len(got) == 0 || len(got) > detectionBuffer {
		t.Fatalf("queued detections = %d, want between 1 and %d", len(got), detectionBuffer)
	}
	if last := got[len(got)-1]; last != (Detection{X: 0.5, Y: 0.5}) {
		t.Errorf("freshest queued detection = %+v, want the final line {0.5 0.5}", last)
	}
}
