// kafka-check is a deploy-time probe: it connects to the broker and reports
// whether the lookup pipeline's topics exist. Exits non-zero on connection
// failure or when any expected topic is missing, so init containers and CI
// can gate on it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"bookscout/common"
)

func main() {
	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	topics := []string{
		common.GetEnv("KAFKA_TOPIC", "bookscout.lookup.requests"),
		common.GetEnv("KAFKA_RESULTS_TOPIC", "bookscout.lookup.results"),
		common.GetEnv("KAFKA_EDGES_TOPIC", "bookscout.catalog.edges"),
		common.GetEnv("KAFKA_DLQ_TOPIC", "bookscout.lookup.dlq"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to Kafka at %s: %v\n", broker, err)
		os.Exit(1)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read metadata: %v\n", err)
		os.Exit(1)
	}

	counts := make(map[string]int)
	for _, p := range partitions {
		counts[p.Topic]++
	}

	fmt.Printf("connected to Kafka at %s (%d topics)\n", broker, len(counts))
	missing := 0
	for _, topic := range topics {
		if n, ok := counts[topic]; ok {
			fmt.Printf("  %s: %d partitions\n", topic, n)
		} else {
			fmt.Printf("  %s: MISSING\n", topic)
			missing++
		}
	}
	if missing > 0 {
		fmt.Fprintf(os.Stderr, "%d expected topics missing\n", missing)
		os.Exit(1)
	}
}
