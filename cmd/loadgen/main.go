// Command loadgen publishes synthetic progress events to Kafka to exercise
// the leaderboard projection pipeline without a fleet of real clients.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
)

// ProgressEvent mirrors the event shape the server emits after commits.
type ProgressEvent struct {
	TelegramID string    `json:"telegram_id"`
	Kind       string    `json:"kind"`
	Points     float64   `json:"points"`
	Timestamp  time.Time `json:"timestamp"`
}

func telegramID(idx int) string {
	// Deterministic fake ids in the Telegram numeric range
	return strconv.FormatInt(100_000_000+int64(idx), 10)
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "progress-events", "Kafka topic")
	totalUsers := flag.Int("users", 1000, "Total number of synthetic users")
	updatesPerSecond := flag.Int("rate", 100, "Updates per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")

	fmt.Printf("loadgen: brokers=%s topic=%s users=%d rate=%d/s\n", *brokers, *topic, *totalUsers, *updatesPerSecond)

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	// Handle producer errors and successes
	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	// Each user's lifetime points only ever grow, like the real ledger
	points := make([]float64, *totalUsers)
	for i := range points {
		points[i] = float64(rand.Intn(5000))
	}

	sendEvent := func(idx int) {
		points[idx] += float64(rand.Intn(200) + 1)
		ev := ProgressEvent{
			TelegramID: telegramID(idx),
			Kind:       "sync",
			Points:     points[idx],
			Timestamp:  time.Now().UTC(),
		}

		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("Failed to marshal event: %v", err)
			return
		}

		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(ev.TelegramID),
			Value: sarama.ByteEncoder(data),
		}

		select {
		case producer.Input() <- msg:
		case <-done:
		}
	}

	interval := time.Second / time.Duration(*updatesPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	shutdown := func() {
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	var updateCount int64

	for {
		select {
		case <-sigChan:
			fmt.Println("Shutting down...")
			shutdown()
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				fmt.Println("Duration reached, shutting down...")
				shutdown()
				return
			}

			// Bias toward a small set of active users so the top of the
			// board keeps moving
			var idx int
			if rand.Intn(100) < 70 {
				idx = rand.Intn(20)
			} else {
				idx = rand.Intn(*totalUsers-20) + 20
			}
			sendEvent(idx)
			atomic.AddInt64(&updateCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Updates: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&updateCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
