package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/receipt-forensics/internal/client"
)

func main() {
	workerBin := flag.String("worker", "receipt-worker", "path to the worker binary")
	readyTimeout := flag.Duration("ready-timeout", 5*time.Minute, "how long to wait for models to load")
	requestTimeout := flag.Duration("timeout", 2*time.Minute, "per-image timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] image...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	entry := logrus.NewEntry(log)

	// Remaining worker settings come from the environment (MAD_*).
	c, err := client.Start(context.Background(), client.Options{
		Command:        *workerBin,
		ReadyTimeout:   *readyTimeout,
		RequestTimeout: *requestTimeout,
		Log:            entry,
	})
	if err != nil {
		var fatal *client.FatalError
		if errors.As(err, &fatal) && fatal.Trace != "" {
			fmt.Fprintln(os.Stderr, fatal.Trace)
		}
		log.Fatalf("Failed to start worker: %v", err)
	}
	defer c.Close()

	enc := json.NewEncoder(os.Stdout)
	failed := 0
	for _, path := range flag.Args() {
		reply, err := c.Classify(context.Background(), path)
		if err != nil {
			failed++
			entry.WithField("image", path).WithError(err).Error("classification failed")
			var reqErr *client.RequestError
			if !errors.As(err, &reqErr) {
				// the worker is gone; nothing else can be classified
				break
			}
			continue
		}
		if err := enc.Encode(map[string]any{
			"image":            path,
			"verdict":          reply.Verdict,
			"risk_score":       reply.RiskScore,
			"prediction":       reply.Prediction,
			"confidence":       reply.Confidence,
			"flag_review":      reply.FlagReview,
			"forensic_verdict": reply.ForensicVerdict,
			"explanation":      reply.Explanation,
		}); err != nil {
			log.Fatalf("Failed to write result: %v", err)
		}
	}

	if failed > 0 {
		c.Close()
		os.Exit(1)
	}
}
