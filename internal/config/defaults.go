package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	preferredNeighbors          = 2
	unchokingInterval           = 5 * time.Second
	optimisticUnchokingInterval = 15 * time.Second
	pollInterval                = 100 * time.Millisecond
	fileName                    = "TheFile.dat"
	pieceSize                   = 16384
	workDir                     = "."
)

var journalPath = filepath.Join(xdg.DataHome, configDirName, "journal.db")
