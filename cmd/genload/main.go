// Command genload sends synthetic line-protocol traffic at a running
// daemon, for manual exercise of the ingest path.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8125", "daemon listen address")
	proto := flag.String("proto", "udp", "udp or tcp")
	paths := flag.String("paths", "genload.metric", "comma-separated metric paths to emit")
	rate := flag.Duration("interval", time.Second, "time between payloads")
	batch := flag.Int("batch", 1, "samples per payload, one per path cycling")
	count := flag.Int("count", 0, "number of payloads to send, 0 for unlimited")
	flag.Parse()

	pathList := strings.Split(*paths, ",")
	for i, p := range pathList {
		pathList[i] = strings.TrimSpace(p)
	}

	sender, err := newSender(*proto, *addr)
	if err != nil {
		log.Fatalf("genload: %v", err)
	}
	defer sender.Close()

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	sent := 0
	for {
		payload := buildPayload(pathList, *batch)
		if err := sender.Send(payload); err != nil {
			log.Printf("genload: send failed: %v", err)
		} else {
			sent++
			fmt.Printf("genload: sent payload %d (%d bytes)\n", sent, len(payload))
		}
		if *count > 0 && sent >= *count {
			return
		}
		<-ticker.C
	}
}

func buildPayload(paths []string, batch int) []byte {
	now := float64(time.Now().Unix())
	var b strings.Builder
	for i := 0; i < batch; i++ {
		path := paths[i%len(paths)]
		fmt.Fprintf(&b, "%s %f %f\n", path, rand.Float64()*100, now)
	}
	return []byte(b.String())
}

// sender abstracts the UDP-datagram-per-payload vs. TCP-connection-per-
// payload difference between the two wire transports.
type sender interface {
	Send(payload []byte) error
	Close() error
}

func newSender(proto, addr string) (sender, error) {
	switch proto {
	case "udp":
		conn, err := net.Dial("udp", addr)
		if err != nil {
			return nil, err
		}
		return &udpSender{conn: conn}, nil
	case "tcp":
		return &tcpSender{addr: addr}, nil
	default:
		return nil, fmt.Errorf("unknown proto %q, want udp or tcp", proto)
	}
}

type udpSender struct {
	conn net.Conn
}

func (s *udpSender) Send(payload []byte) error {
	_, err := s.conn.Write(payload)
	return err
}

func (s *udpSender) Close() error { return s.conn.Close() }

// tcpSender dials a fresh connection per payload, matching the daemon's
// one-payload-per-connection TCP handling.
type tcpSender struct {
	addr string
}

func (s *tcpSender) Send(payload []byte) error {
	conn, err := net.Dial("tcp", s.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(payload)
	return err
}

func (s *tcpSender) Close() error { return nil }
