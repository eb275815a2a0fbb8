package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/receipt-forensics/internal/forensics"
	"github.com/Brownie44l1/receipt-forensics/internal/handlers"
	"github.com/Brownie44l1/receipt-forensics/internal/model"
	"github.com/Brownie44l1/receipt-forensics/internal/model/modeltest"
	"github.com/Brownie44l1/receipt-forensics/internal/protocol"
	"github.com/Brownie44l1/receipt-forensics/internal/verdict"
	"github.com/Brownie44l1/receipt-forensics/internal/worker"
)

func helperOptions(mode string) Options {
	log, _ := test.NewNullLogger()
	return Options{
		Command:        os.Args[0],
		Args:           []string{"-test.run=TestHelperProcessWorker", "--", mode},
		Env:            []string{"GO_WANT_HELPER_PROCESS=1"},
		ReadyTimeout:   10 * time.Second,
		RequestTimeout: 10 * time.Second,
		Stderr:         io.Discard,
		Log:            logrus.NewEntry(log),
	}
}

// TestHelperProcessWorker is not a real test. It is re-executed as the
// worker child process by the tests below.
func TestHelperProcessWorker(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	mode := os.Args[len(os.Args)-1]
	out := protocol.NewWriter(os.Stdout)

	switch mode {
	case "worker":
		os.Exit(runHelperWorker())
	case "fatal":
		_ = out.Write(protocol.NewFatal(pkgerrors.WithStack(&model.ModelLoadError{Dir: "/models", Missing: []string{"cnn_resnet34.onnx"}})))
		os.Exit(1)
	case "silent":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	case "hang":
		_ = out.Write(protocol.NewReady(true))
		time.Sleep(30 * time.Second)
		os.Exit(0)
	case "wrong-id":
		_ = out.Write(protocol.NewReady(true))
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			_ = out.Write(protocol.ErrorResponse{ID: json.RawMessage(`"someone-else"`), Error: "InternalError: x"})
		}
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown helper mode %q\n", mode)
		os.Exit(2)
	}
}

func runHelperWorker() int {
	log := logrus.NewEntry(logrus.New())
	w := worker.New(worker.Options{
		Load: func(ctx context.Context) (worker.Handler, error) {
			return handlers.NewHandler(handlers.Options{
				Scorer:     model.NewScorer(modeltest.Registry(0.1, 0.2, 0.3), model.DefaultReviewThreshold, true),
				Forensics:  forensics.NewDefault(forensics.DefaultConfig(), log),
				Aggregator: verdict.New(verdict.DefaultPolicy()),
				Log:        log,
			})
		},
		Log: log,
	})
	if err := w.Run(context.Background(), os.Stdin, os.Stdout); err != nil {
		return 1
	}
	return 0
}

func writeImage(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(t.TempDir(), "receipt.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestClient_Classify(t *testing.T) {
	c, err := Start(context.Background(), helperOptions("worker"))
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.ForensicsAvailable())

	path := writeImage(t)
	for i := 0; i < 3; i++ {
		reply, err := c.Classify(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, "AI/Fake", *reply.Prediction)
		assert.Equal(t, string(verdict.LabelManipulated), reply.Verdict)
		assert.Len(t, reply.ModelVotes, 3)
	}

	reply, err := c.Classify(context.Background(), filepath.Join(t.TempDir(), "gone.png"))
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Contains(t, reqErr.Message, "RequestMalformedError: ")
	require.NotNil(t, reply)
	assert.True(t, reply.Failed())

	// the worker keeps serving after a failed request
	_, err = c.Classify(context.Background(), path)
	assert.NoError(t, err)

	assert.NoError(t, c.Close())
	_, err = c.Classify(context.Background(), path)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStart_Fatal(t *testing.T) {
	_, err := Start(context.Background(), helperOptions("fatal"))

	var fatal *FatalError
	require.True(t, errors.As(err, &fatal), "got %v", err)
	assert.Equal(t, "missing model files in /models: cnn_resnet34.onnx", fatal.Message)
	assert.NotEmpty(t, fatal.Trace)
}

func TestStart_ReadyTimeout(t *testing.T) {
	opts := helperOptions("silent")
	opts.ReadyTimeout = 200 * time.Millisecond

	_, err := Start(context.Background(), opts)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClassify_RequestTimeoutKillsWorker(t *testing.T) {
	opts := helperOptions("hang")
	opts.RequestTimeout = 200 * time.Millisecond
	c, err := Start(context.Background(), opts)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Classify(context.Background(), "/tmp/receipt.png")
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = c.Classify(context.Background(), "/tmp/receipt.png")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClassify_MismatchedID(t *testing.T) {
	c, err := Start(context.Background(), helperOptions("wrong-id"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Classify(context.Background(), "/tmp/receipt.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `worker answered for id "someone-else"`)
}

func TestStart_RequiresCommand(t *testing.T) {
	_, err := Start(context.Background(), Options{})
	assert.Error(t, err)
}
