package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"

	"github.com/NamanBalaji/swarmshare/internal/config"
	swarmerrors "github.com/NamanBalaji/swarmshare/internal/errors"
	"github.com/NamanBalaji/swarmshare/internal/logger"
	"github.com/NamanBalaji/swarmshare/internal/repository"
	"github.com/NamanBalaji/swarmshare/pkg/torrent"
	"github.com/NamanBalaji/swarmshare/pkg/torrent/storage"
)

func main() {
	id := flag.Uint("id", 0, "Local peer id")
	configPath := flag.String("config", config.Path(), "YAML configuration file")
	commonPath := flag.String("common", "", "Legacy Common.cfg (use with -peers)")
	peersPath := flag.String("peers", "", "Legacy PeerInfo.cfg (use with -common)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *id == 0 {
		log.Fatalf("Missing -id\n")
	}

	cfg, err := loadConfig(*configPath, *commonPath, *peersPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v\n", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v\n", err)
	}

	localID := uint32(*id)

	self, ok := cfg.Peer(localID)
	if !ok {
		log.Fatalf("Peer %d is not in the peer list\n", localID)
	}

	common := cfg.Common

	lg, err := logger.Open(filepath.Join(common.WorkDir, fmt.Sprintf("log_peer_%d.log", localID)), *debug)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v\n", err)
	}
	defer lg.Close()

	var journal torrent.Journal

	if common.Journal != "" {
		if err := os.MkdirAll(filepath.Dir(common.Journal), 0o755); err != nil {
			log.Fatalf("Error creating journal directory: %v\n", err)
		}

		j, err := repository.NewBboltJournal(common.Journal)
		if err != nil {
			lg.Warnf("Journal unavailable, continuing without it: %v", err)
		} else {
			defer j.Close()
			journal = j
		}
	}

	fs := afero.NewOsFs()
	layout := torrent.Layout{FileSize: common.FileSize, PieceSize: common.PieceSize}

	var data []byte

	if self.HasFile {
		path := filepath.Join(storage.PeerDir(common.WorkDir, localID), common.FileName)

		data, err = storage.LoadFile(fs, path, common.FileSize)
		if err != nil {
			lg.Errorf("Peer <%d> cannot read its file: %v", localID, err)
			log.Fatalf("Error loading file: %v\n", err)
		}
	}

	peers := make([]torrent.PeerInfo, len(cfg.Peers))
	for i, p := range cfg.Peers {
		peers[i] = torrent.PeerInfo{ID: p.ID, Host: p.Host, Port: p.Port, HasFile: p.HasFile}
	}

	swarm, err := torrent.NewSwarm(torrent.Options{
		LocalID:             localID,
		Peers:               peers,
		Layout:              layout,
		FileData:            data,
		PreferredNeighbors:  common.PreferredNeighbors,
		UnchokeInterval:     common.UnchokingInterval,
		OptimisticInterval:  common.OptimisticUnchokingInterval,
		PollInterval:        common.PollInterval,
		MaxUploadRate:       common.MaxUploadRate,
		RequeueOnDisconnect: common.RequeueOnDisconnect,
		RechokeOptimistic:   common.RechokeOptimistic,
		Logger:              lg,
		Journal:             journal,
		Writer:              storage.NewFileWriter(fs, common.WorkDir, localID, common.FileName),
	})
	if err != nil {
		log.Fatalf("Error creating swarm: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := swarm.Run(ctx); err != nil {
		if swarmerrors.IsIOError(err) {
			lg.Errorf("Peer <%d> could not write %s: %v", localID, common.FileName, err)
		}

		lg.Errorf("Peer <%d> stopped: %v", localID, err)
		lg.Close()
		log.Fatalf("Error: %v\n", err)
	}

	lg.Infof("Shutdown complete.")
}

// loadConfig prefers the legacy pair when both are given.
func loadConfig(path, common, peers string) (*config.Config, error) {
	switch {
	case common != "" && peers != "":
		return config.LoadLegacy(common, peers)
	case common != "" || peers != "":
		return nil, fmt.Errorf("-common and -peers must be used together")
	default:
		return config.Load(path)
	}
}
