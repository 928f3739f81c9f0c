package main

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dotside-studios/storagecard-agent/card"
	"github.com/dotside-studios/storagecard-agent/server"
)

// Default selection scenario parameters. The AID identifies the test-kit
// application hosted on the file-based cards this agent understands; SFI 7
// holds the environment and holder file read during selection.
var defaultAID = []byte{0xA0, 0x00, 0x00, 0x02, 0x91, 0xFF, 0x91, 0x01}

const (
	sfiEnvironmentAndHolder = 0x07

	// Blocks 0-3 of the built-in storage products hold the UID,
	// manufacturer data and OTP bits; the demo transaction only touches
	// the user area above them.
	userAreaFirstBlock = 4

	defaultPollInterval = 250 * time.Millisecond
)

// Agent drives the card session loop: it waits for a card, runs the
// selection scenario, executes the technology-specific transaction and
// broadcasts the results over the server.
type Agent struct {
	Logger     *log.Logger
	Channel    card.Channel
	Candidates []card.SelectionCandidate
	Server     *server.Server

	PollInterval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewAgent wires an agent with the default three-technology scenario:
// file-based cards by AID first, then MIFARE Ultralight, then ST25/SRT512,
// each storage candidate prefetching its full memory during selection.
func NewAgent(ch card.Channel, srv *server.Server) (*Agent, error) {
	table := card.DefaultDescriptorTable()

	app, err := card.NewApplicationSelector(table, card.ProtocolISO14443_4, defaultAID)
	if err != nil {
		return nil, fmt.Errorf("building application candidate: %w", err)
	}
	app.AcceptInvalidated = true
	app.Prefetch = &card.RecordRef{SFI: sfiEnvironmentAndHolder, Record: 1}

	ul, err := card.NewProtocolSelector(table, card.ProtocolMifareUltralight)
	if err != nil {
		return nil, fmt.Errorf("building ultralight candidate: %w", err)
	}
	ul.Prefetch = &card.BlockRange{First: 0, Last: ul.Profile.BlockCount - 1}

	st25, err := card.NewProtocolSelector(table, card.ProtocolST25SRT512)
	if err != nil {
		return nil, fmt.Errorf("building st25 candidate: %w", err)
	}
	st25.Prefetch = &card.BlockRange{First: 0, Last: st25.Profile.BlockCount - 1}

	return &Agent{
		Logger:       log.New(os.Stderr, "[agent] ", log.LstdFlags),
		Channel:      ch,
		Candidates:   []card.SelectionCandidate{app, ul, st25},
		Server:       srv,
		PollInterval: defaultPollInterval,
		stopChan:     make(chan struct{}),
	}, nil
}

// Start launches the session loop in a background goroutine.
func (a *Agent) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop()
	}()
}

// Stop signals the session loop to finish and waits for it.
func (a *Agent) Stop() {
	close(a.stopChan)
	a.wg.Wait()
}

func (a *Agent) loop() {
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
		}

		if !a.Channel.IsCardPresent() {
			continue
		}
		if err := a.runOnce(); err != nil {
			a.Logger.Printf("Card processing failed: %v", err)
		}
		a.waitForRemoval()
	}
}

// waitForRemoval blocks until the card leaves the field or the agent stops,
// so the same card is not processed twice.
func (a *Agent) waitForRemoval() {
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			if !a.Channel.IsCardPresent() {
				return
			}
		}
	}
}

// runOnce executes one full selection and transaction pass against the card
// currently in field.
func (a *Agent) runOnce() error {
	outcome, err := card.Select(a.Channel, a.Candidates)
	if err != nil {
		// Release so the next pass starts from a fresh channel instead of
		// a stale handle left over from the failed scenario.
		a.Channel.ReleaseChannel(card.CloseAfter)
		return fmt.Errorf("selection scenario: %w", err)
	}
	if a.Server != nil {
		a.Server.BroadcastSelection(outcome)
	}

	switch outcome.Kind {
	case card.KindNoMatch:
		a.Logger.Printf("No supported technology detected")
		return a.Channel.ReleaseChannel(card.CloseAfter)
	case card.KindFileBasedCard:
		a.processFileBasedCard(outcome.FileBased)
		return a.Channel.ReleaseChannel(card.CloseAfter)
	case card.KindStorageCard:
		return a.processStorageCard(outcome.Storage)
	default:
		return fmt.Errorf("unhandled outcome kind %v", outcome.Kind)
	}
}

// processFileBasedCard logs the identification data gathered during
// selection. Authenticated file operations belong to a dedicated extension
// and are out of the agent's scope.
func (a *Agent) processFileBasedCard(fb *card.FileBasedCard) {
	a.Logger.Printf("File-based card selected, serial number: %X", fb.SerialNumber)
	if len(fb.PrefetchedRecord) > 0 {
		a.Logger.Printf("Environment & holder record (SFI %02Xh, record 1): %X",
			sfiEnvironmentAndHolder, fb.PrefetchedRecord)
	}
}

// processStorageCard runs the storage demo transaction: a full read, an
// increment-and-write pass over the user area and a verification re-read,
// closing the channel with the final batch.
func (a *Agent) processStorageCard(sc *card.StorageCard) error {
	lastBlock := sc.Profile.BlockCount - 1
	a.Logger.Printf("Storage card selected: %d blocks of %d bytes", sc.Profile.BlockCount, sc.Profile.BlockSize)
	a.logMemory("Memory content from selection prefetch", sc.Prefetched)

	// The final batch releases the channel; any earlier exit must release it
	// here so the next selection does not inherit a stale handle.
	released := false
	defer func() {
		if !released {
			a.Channel.ReleaseChannel(card.CloseAfter)
		}
	}()

	tm, err := card.NewStorageCardTransactionManager(a.Channel, sc)
	if err != nil {
		return err
	}

	// Full read to refresh the image.
	if err := tm.QueueReadBlocks(0, lastBlock); err != nil {
		return err
	}
	if err := tm.ProcessCommands(card.KeepOpen); err != nil {
		a.broadcastTransaction(err)
		return err
	}
	a.logMemory("Memory content after full read", tm.Memory())

	// Increment every byte of the user area and write it back.
	for i := userAreaFirstBlock; i <= lastBlock; i++ {
		blk, err := tm.Memory().Block(i)
		if err != nil {
			return err
		}
		if err := tm.QueueWriteBlocks(i, card.IncrementBlock(blk)); err != nil {
			return err
		}
	}
	if err := tm.ProcessCommands(card.KeepOpen); err != nil {
		a.broadcastTransaction(err)
		return err
	}

	// Verification re-read; the channel is released with this batch.
	if err := tm.QueueReadBlocks(0, lastBlock); err != nil {
		return err
	}
	err = tm.ProcessCommands(card.CloseAfter)
	released = true
	if err != nil {
		a.broadcastTransaction(err)
		return err
	}
	a.broadcastTransaction(nil)
	a.logMemory("Final memory content", tm.Memory())

	if a.Server != nil {
		a.Server.BroadcastMemory(tm.Memory())
	}
	return nil
}

func (a *Agent) broadcastTransaction(err error) {
	if a.Server != nil {
		a.Server.BroadcastTransactionResult(err)
	}
}

func (a *Agent) logMemory(label string, image *card.MemoryImage) {
	content, err := image.Blocks(0, image.BlockCount()-1)
	if err != nil {
		a.Logger.Printf("%s: unreadable image: %v", label, err)
		return
	}
	a.Logger.Printf("%s (%d bytes): %X", label, len(content), content)
}
