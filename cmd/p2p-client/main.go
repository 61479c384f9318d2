package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"

	"github.com/xerlaet/p2p-client/client"
)

type args struct {
	TorrentPath  string `arg:"positional,required" help:"path to the .torrent descriptor"`
	OutputDir    string `arg:"--out" help:"directory the downloaded file is written into"`
	ListenPort   int    `arg:"--port" default:"6881" help:"inbound TCP port"`
	Pipeline     int    `arg:"--pipeline" default:"5" help:"max outstanding block requests per peer"`
	BlockSize    int    `arg:"--block-size" default:"16384" help:"block size in bytes"`
	MaxSessions  int    `arg:"--max-sessions" default:"50" help:"max simultaneous peer sessions"`
	RequestSecs  int    `arg:"--request-timeout" default:"30" help:"seconds before an unanswered request is released"`
	KeepAliveSec int    `arg:"--keepalive" default:"120" help:"seconds between keepalive messages"`
	NoProgress   bool   `arg:"--no-progress" help:"disable the terminal progress bar"`
}

func (args) Description() string {
	return "Downloads or seeds a single-file torrent descriptor."
}

func main() {
	var a args
	arg.MustParse(&a)

	cfg := client.DefaultConfig()
	cfg.DescriptorPath = a.TorrentPath
	cfg.OutputDir = a.OutputDir
	cfg.ListenPort = a.ListenPort
	cfg.PipelineDepth = a.Pipeline
	cfg.BlockSize = a.BlockSize
	cfg.MaxSessions = a.MaxSessions
	cfg.RequestTimeoutSeconds = a.RequestSecs
	cfg.KeepAliveSeconds = a.KeepAliveSec
	cfg.ShowDownloadProgress = !a.NoProgress

	orch, err := client.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		slog.Info("shutting down")
		orch.Shutdown()
	}()

	if err := orch.Run(); err != nil {
		log.Fatal(err)
	}
}
