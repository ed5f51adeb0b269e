package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/veribridge/engine/api"
	"github.com/veribridge/engine/bridge"
	"github.com/veribridge/engine/config"
	"github.com/veribridge/engine/identity"
	"github.com/veribridge/engine/network"
)

func main() {
	// .env is optional; real deployments set VB_* in the environment.
	_ = godotenv.Load()
	cfg := config.Load()

	metrics := api.NewMetrics("veribridge")
	metricsServer := api.NewMetricsServer(cfg.MetricsAddr)
	metricsServer.StartAsync()
	log.Printf("metrics listening on %s", cfg.MetricsAddr)

	// Demo verification rule: payloads pass when value < 1000.
	verifyFn := func(payload map[string]interface{}) (bool, error) {
		value, ok := payload["value"].(float64)
		if !ok {
			return false, nil
		}
		return value < 1000, nil
	}

	id, err := identity.Generate(cfg.NodeEndpoint, cfg.NodeStake)
	if err != nil {
		log.Fatalf("failed to generate identity: %v", err)
	}

	// The demo runs against an in-process peer simulation; swap in
	// network.NewZmqTransport for a real deployment.
	transport := network.NewLoopbackTransport(network.DefaultLoopbackConfig())

	bridgeCfg := bridge.DefaultConfig()
	bridgeCfg.Workers = cfg.Workers
	bridgeCfg.DefaultTimeout = cfg.VerifyTimeout
	bridgeCfg.MinStake = cfg.MinStake
	bridgeCfg.StrictLocal = cfg.StrictLocal
	bridgeCfg.Metrics = metrics

	br, err := bridge.New(id, verifyFn, transport, bridgeCfg)
	if err != nil {
		log.Fatalf("failed to create bridge: %v", err)
	}

	fmt.Println("VeriBridge - Distributed Verification Protocol")
	fmt.Printf("local node: %s\n", id.NodeID)

	fmt.Println("\n[Simulated network]")
	for i := 0; i < 4; i++ {
		node, err := br.AddNode(fmt.Sprintf("tcp://node%d.example.com:5555", i), 1000)
		if err != nil {
			log.Fatalf("failed to add node: %v", err)
		}
		fmt.Printf("  added node: %s\n", node.NodeID)
	}

	stats := br.GetNetworkStats()
	fmt.Println("\n[Network stats]")
	fmt.Printf("  total nodes: %d\n", stats.TotalNodes)
	fmt.Printf("  quorum size: %d\n", stats.QuorumSize)
	fmt.Printf("  total stake: %d\n", stats.TotalStake)

	fmt.Println("\n[Distributed verification]")
	result, err := br.Verify(context.Background(), map[string]interface{}{"value": float64(500)})
	if err != nil {
		log.Fatalf("verify failed: %v", err)
	}
	fmt.Printf("  request id: %s\n", result.RequestID)
	if result.Passed != nil {
		fmt.Printf("  passed: %t\n", *result.Passed)
	} else {
		fmt.Printf("  passed: <none> (%s)\n", result.Error)
	}
	fmt.Printf("  state: %s\n", result.State)
	fmt.Printf("  elapsed: %dms\n", result.ElapsedMs)
	fmt.Printf("  votes: %d prepare / %d commit (quorum %d)\n",
		result.Consensus.PrepareVotes, result.Consensus.CommitVotes, result.Consensus.QuorumSize)
	if result.Proof != nil {
		fmt.Printf("  proof: %s\n", result.Proof.Signature)
	}

	fmt.Println("\n[Local bridge]")
	local, err := bridge.NewLocalBridge(verifyFn)
	if err != nil {
		log.Fatalf("failed to create local bridge: %v", err)
	}
	localResult, err := local.Verify(map[string]interface{}{"value": float64(500)})
	if err != nil {
		log.Fatalf("local verify failed: %v", err)
	}
	fmt.Printf("  passed: %t\n", *localResult.Passed)
	fmt.Printf("  elapsed: %dus\n", localResult.ElapsedUs)

	if cfg.Debug {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		fmt.Println("\nrunning until interrupted (metrics stay up)...")
		<-quit
	}

	br.Shutdown()
	_ = metricsServer.Stop()
}
