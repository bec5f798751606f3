// Command devlink-hub runs a local hub for dashboard development. With -demo
// it broadcasts simulated device traffic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mbocsi/devlink/client"
	"github.com/mbocsi/devlink/config"
	"github.com/mbocsi/devlink/logging"
	"github.com/mbocsi/devlink/proto"
	"github.com/mbocsi/devlink/server"
)

func main() {
	addr := flag.String("addr", ":8080", "WebSocket listen address (served at /ws)")
	tcpAddr := flag.String("tcp", "", "optional newline-delimited TCP listen address")
	announce := flag.Bool("announce", false, "announce the hub over mDNS")
	demo := flag.Duration("demo", 0, "broadcast simulated device traffic at this interval")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logCfg := config.Default().Log
	logCfg.Level = *level
	closer, err := logging.Setup(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devlink-hub: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub()
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("Starting websocket hub", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Hub stopped", "error", err)
			stop()
		}
	}()

	if *tcpAddr != "" {
		l, err := net.Listen("tcp", *tcpAddr)
		if err != nil {
			slog.Error("Failed to listen", "addr", *tcpAddr, "error", err)
			os.Exit(1)
		}
		defer l.Close()
		go hub.ServeTCP(l)
	}

	if *announce {
		port, err := portOf(*addr)
		if err == nil {
			var mdnsSrv interface{ Shutdown() error }
			mdnsSrv, err = server.Announce(client.ServiceWebSocket, port, []string{"path=/ws"})
			if err == nil {
				defer mdnsSrv.Shutdown()
			}
		}
		if err != nil {
			slog.Warn("Failed to announce hub", "error", err)
		}
	}

	if *demo > 0 {
		go simulate(ctx, hub, *demo)
	}

	<-ctx.Done()
	hub.CloseAll(client.CloseGoingAway, "hub shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func portOf(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

var demoDevices = []string{"gateway-01", "sensor-hall", "sensor-lab", "pump-02"}

func simulate(ctx context.Context, hub *server.Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		id := demoDevices[rand.IntN(len(demoDevices))]
		status := "online"
		if rand.Float64() < 0.1 {
			status = "offline"
		}
		broadcast(hub, proto.TopicDeviceStatus, proto.DeviceStatus{
			DeviceID: id,
			Status:   status,
			CPU:      rand.Float64() * 100,
			Memory:   rand.Float64() * 100,
			Disk:     rand.Float64() * 100,
		})
		broadcast(hub, proto.TopicSensorData, proto.SensorReading{
			DeviceID:   id,
			SensorType: "temperature",
			Value:      18 + rand.Float64()*10,
			Unit:       "C",
		})
		if rand.Float64() < 0.05 {
			broadcast(hub, proto.TopicAlert, proto.Alert{
				ID:       fmt.Sprintf("alert-%d", time.Now().UnixMilli()),
				DeviceID: id,
				Severity: "critical",
				Status:   "active",
				Title:    "Temperature threshold exceeded",
			})
		}
	}
}

func broadcast(hub *server.Hub, topic string, payload any) {
	env, err := proto.NewEnvelope(topic, payload)
	if err != nil {
		slog.Error("Failed to build envelope", "topic", topic, "error", err)
		return
	}
	hub.Broadcast(env)
}
