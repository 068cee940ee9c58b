// Command cmclient is a minimal demonstration of the transport façade: it
// connects to a CM endpoint over TCP, logs every raw packet it receives,
// and exits on the first transport error. It performs no logon of its
// own — that is a higher layer's job.
package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/k64z/steamcm/cm"
)

func main() {
	host := os.Getenv("STEAMCM_HOST")
	port, err := strconv.ParseUint(os.Getenv("STEAMCM_PORT"), 10, 16)
	if err != nil {
		log.Fatalf("main: invalid STEAMCM_PORT: %v", err)
	}

	done := make(chan struct{})
	client := cm.NewClient(cm.FacadeEvents{
		OnConnected: func(serverLoad *uint32) {
			log.Printf("connected, server_load=%v", serverLoad)
		},
		OnPacket: func(payload []byte) {
			log.Printf("packet: %d bytes", len(payload))
		},
		OnError: func(err error) {
			log.Printf("transport error: %v", err)
			close(done)
		},
	}, cm.WithProtocol(cm.ProtocolTCP))

	ctx := context.Background()
	endpoint := cm.Endpoint{Host: host, Port: uint16(port)}
	if err := client.Connect(ctx, []cm.Endpoint{endpoint}); err != nil {
		log.Fatalf("main: connect: %v", err)
	}

	<-done
}
