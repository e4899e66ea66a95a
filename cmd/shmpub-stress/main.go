/*
 * Copyright 2025 The shmpub Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// shmpub-stress pumps samples through a publisher and its connections as
// fast as the loan/send/release cycle allows, then reports throughput and
// loss. It is a tool for eyeballing the transport under load, not a
// benchmark harness.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"github.com/shm-ipc/shmpub"
	"github.com/shm-ipc/shmpub/internal/shm"
)

type record struct {
	Seq     uint64
	SentAt  int64
	Padding [48]byte
}

func main() {
	var (
		segName   = flag.String("segment", "shmpub-stress", "shared segment name")
		duration  = flag.Duration("duration", 10*time.Second, "how long to pump")
		receivers = flag.Int("receivers", 2, "number of attached connections")
		chunks    = flag.Uint("chunks", 256, "chunks in the segment")
		queueCap  = flag.Uint64("queue", 256, "per-connection queue capacity")
		chunkSize = flag.String("chunk-size", "4KiB", "payload capacity per chunk")
	)
	flag.Parse()

	payloadCap, err := units.RAMInBytes(*chunkSize)
	if err != nil {
		log.Fatalf("bad -chunk-size %q: %v", *chunkSize, err)
	}

	shm.RemoveSegment(*segName)
	pub, err := shmpub.NewPublisher[record](*segName,
		shmpub.WithChunkCount(uint32(*chunks)),
		shmpub.WithPayloadCapacity(uint64(payloadCap)),
		shmpub.WithMaxConnections(uint32(*receivers)),
		shmpub.WithQueueCapacity(*queueCap),
	)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer pub.Close()

	fmt.Printf("publisher %s on segment %q\n", pub.ID(), *segName)
	fmt.Printf("chunks=%d payload=%s receivers=%d queue=%d duration=%v\n",
		*chunks, units.BytesSize(float64(payloadCap)), *receivers, *queueCap, *duration)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conns := make([]*shmpub.Connection, *receivers)
	for i := range conns {
		conns[i], err = pub.Connect()
		if err != nil {
			log.Fatalf("failed to attach receiver %d: %v", i, err)
		}
	}

	var sent, delivered, rejected, consumed atomic.Uint64

	g, gctx := errgroup.WithContext(ctx)

	// One drain goroutine per connection. Each releases its delivery
	// reference immediately, which is what recycles chunks to the pool.
	for _, conn := range conns {
		g.Go(func() error {
			for {
				off, err := conn.Next(gctx)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
				conn.Release(off)
				consumed.Add(1)
			}
		})
	}

	// Single pump goroutine; the publisher is single-goroutine by contract.
	g.Go(func() error {
		seq := uint64(0)
		for gctx.Err() == nil {
			sample, err := pub.LoanUninit()
			if err != nil {
				// Pool exhausted: the drains are behind, let them catch up.
				time.Sleep(10 * time.Microsecond)
				continue
			}
			seq++
			sent.Add(1)
			s := sample.WritePayload(record{Seq: seq, SentAt: time.Now().UnixNano()})
			n, err := s.Send()
			if err != nil {
				return fmt.Errorf("send %d: %w", seq, err)
			}
			delivered.Add(uint64(n))
			rejected.Add(uint64(len(conns) - n))
		}
		return nil
	})

	start := time.Now()
	if err := g.Wait(); err != nil {
		log.Fatalf("stress run failed: %v", err)
	}
	elapsed := time.Since(start)

	// Let in-flight releases land before reading the pool gauge.
	time.Sleep(10 * time.Millisecond)

	s, d, r, c := sent.Load(), delivered.Load(), rejected.Load(), consumed.Load()
	fmt.Printf("\n=== Results (%v) ===\n", elapsed.Round(time.Millisecond))
	fmt.Printf("samples sent:       %d (%.0f/s)\n", s, float64(s)/elapsed.Seconds())
	fmt.Printf("deliveries:         %d\n", d)
	fmt.Printf("rejected (full):    %d\n", r)
	fmt.Printf("consumed:           %d\n", c)
	fmt.Printf("bytes moved:        %s\n", units.BytesSize(float64(d)*float64(payloadCap)))
	fmt.Printf("outstanding loans:  %d\n", pub.OutstandingLoans())
}
