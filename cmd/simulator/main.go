// Command simulator publishes synthetic detection payloads over MQTT so the
// monitor can be exercised without real cameras.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aitrios-samples/people-monitor/internal/detect"
	"github.com/aitrios-samples/people-monitor/pkg/types"
)

var (
	broker    = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	devices   = flag.String("devices", "Aid-1,Aid-2", "Comma-separated device ids")
	interval  = flag.Duration("interval", time.Second, "Publish interval per device")
	maxPeople = flag.Int("max-people", 3, "Maximum people per synthetic frame")
)

func main() {
	flag.Parse()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID("people-monitor-simulator")
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("Connect failed: %v", token.Error())
	}
	defer client.Disconnect(250)

	ids := strings.Split(*devices, ",")
	for _, id := range ids {
		client.Publish("aitrios/"+id+"/connection", 1, false, "connected")
	}
	log.Printf("Publishing for %d devices every %s", len(ids), *interval)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigChan:
			for _, id := range ids {
				client.Publish("aitrios/"+id+"/connection", 1, false, "disconnected")
			}
			return
		case <-ticker.C:
			for _, id := range ids {
				client.Publish("aitrios/"+id+"/inference", 1, false, envelope(id))
			}
		}
	}
}

// envelope builds one vendor-format upload with a random crowd.
func envelope(deviceID string) []byte {
	n := rand.Intn(*maxPeople + 1)
	records := make([]types.DetectionRecord, n)
	for i := range records {
		x := rand.Intn(types.InferenceWidth - 40)
		y := rand.Intn(types.InferenceHeight - 80)
		records[i] = types.DetectionRecord{
			ClassID:    types.PersonClassID,
			Confidence: 0.5 + rand.Float32()*0.5,
			X0:         x, Y0: y, X1: x + 40, Y1: y + 80,
		}
	}

	payload := base64.StdEncoding.EncodeToString(detect.Encode(records))
	body, _ := json.Marshal(map[string]any{
		"DeviceID": deviceID,
		"Inferences": []map[string]string{
			{"T": time.Now().Format("20060102150405000"), "O": payload},
		},
	})
	return body
}
