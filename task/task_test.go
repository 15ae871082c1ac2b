package task

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teensyctl/teensyctl/pkg"
)

func TestTaskLifecycle(t *testing.T) {
	pool := NewPool(2, 1000)
	defer pool.Close()

	ran := make(chan struct{})
	task := New("lifecycle", func(*Task) error {
		close(ran)
		return nil
	})
	task.SetPool(pool)

	require.Equal(t, StatusReady, task.Status())
	require.NoError(t, task.Start())

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}

	ok, err := task.Wait(StatusFinished, 2000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusFinished, task.Status())
	require.NoError(t, task.Err())
}

func TestTaskStatusMessages(t *testing.T) {
	pool := NewPool(1, 1000)
	defer pool.Close()

	var mu sync.Mutex
	var statuses []Status

	task := New("messages", func(*Task) error { return nil })
	task.SetPool(pool)
	task.OnMessage(func(_ *Task, msg Message) {
		if msg.Status != nil {
			mu.Lock()
			statuses = append(statuses, msg.Status.Status)
			mu.Unlock()
		}
	})

	require.NoError(t, task.Join())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Status{StatusPending, StatusRunning, StatusFinished}, statuses)
}

func TestTaskProgressMessages(t *testing.T) {
	var values []uint64

	task := New("progress", func(tk *Task) error {
		for v := uint64(0); v <= 3; v++ {
			tk.Progress("Uploading", v*1024, 3*1024)
		}
		return nil
	})
	task.OnMessage(func(_ *Task, msg Message) {
		if msg.Progress != nil {
			values = append(values, msg.Progress.Value)
		}
	})

	require.NoError(t, task.Join())
	require.Equal(t, []uint64{0, 1024, 2048, 3072}, values)
}

func TestWaitTimeout(t *testing.T) {
	pool := NewPool(1, 1000)
	defer pool.Close()

	release := make(chan struct{})
	task := New("slow", func(*Task) error {
		<-release
		return nil
	})
	task.SetPool(pool)
	require.NoError(t, task.Start())

	ok, err := task.Wait(StatusFinished, 50)
	require.NoError(t, err)
	require.False(t, ok, "wait must time out while the task runs")

	close(release)
	ok, err = task.Wait(StatusFinished, 2000)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSynchronousSteal(t *testing.T) {
	pool := NewPool(1, 5000)
	defer pool.Close()

	// Occupy the only worker so the second task stays Pending.
	block := make(chan struct{})
	blocker := New("blocker", func(*Task) error {
		<-block
		return nil
	})
	blocker.SetPool(pool)
	require.NoError(t, blocker.Start())

	_, err := blocker.Wait(StatusRunning, 2000)
	require.NoError(t, err)

	var ran atomic.Bool
	stolen := New("stolen", func(*Task) error {
		ran.Store(true)
		return nil
	})
	stolen.SetPool(pool)
	require.NoError(t, stolen.Start())
	require.Equal(t, StatusPending, stolen.Status())

	// The only worker is still blocked, so an infinite Finished wait
	// can only return by running the pending task right here.
	ok, err := stolen.Wait(StatusFinished, -1)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, ran.Load())
	require.Equal(t, StatusRunning, blocker.Status())

	close(block)
	require.NoError(t, blocker.Join())
}

func TestStartTwiceFails(t *testing.T) {
	pool := NewPool(1, 1000)
	defer pool.Close()

	task := New("twice", func(*Task) error { return nil })
	task.SetPool(pool)
	require.NoError(t, task.Start())
	require.NoError(t, task.Join())

	err := task.Start()
	require.Error(t, err)
	require.True(t, pkg.IsKind(err, pkg.KindBusy))
}

func TestCancelFlag(t *testing.T) {
	task := New("cancel", func(tk *Task) error {
		if tk.Cancelled() {
			return pkg.Errf(pkg.KindOther, "cancelled")
		}
		return nil
	})
	task.Cancel()

	require.Error(t, task.Join())
}

func TestTaskResult(t *testing.T) {
	task := New("result", func(tk *Task) error {
		tk.SetResult("firmware.hex")
		return nil
	})
	require.NoError(t, task.Join())
	require.Equal(t, "firmware.hex", task.Result())
}

func TestPoolReusesIdleWorker(t *testing.T) {
	pool := NewPool(4, 2000)
	defer pool.Close()

	for i := 0; i < 8; i++ {
		task := New("seq", func(*Task) error { return nil })
		task.SetPool(pool)
		require.NoError(t, task.Join())
	}

	pool.mu.Lock()
	started := pool.started
	pool.mu.Unlock()
	require.LessOrEqual(t, started, 4)
}
