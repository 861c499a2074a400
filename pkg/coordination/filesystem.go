// Copyright 2026 The Helm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package coordination

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// MaxNudgeContent caps the file content injected into a nudge. The recorded
// message always keeps the full content.
const MaxNudgeContent = 4000

// DefaultPollInterval is the scan cadence when the pattern does not
// override it.
const DefaultPollInterval = 2 * time.Second

// FilesystemBackend watches the coordination directory for new files,
// classifies them by path convention, and delivers their content to the
// appropriate agents as nudges.
//
// Agents still coordinate via files (the pattern prompts tell them how).
// The scan diff against a seen-set is the source of truth; fsnotify events
// only wake the poller early, so a lost watch degrades to pure polling.
type FilesystemBackend struct {
	pollInterval time.Duration
	logger       *zap.Logger

	mu               sync.Mutex
	experimentDir    string
	coordDir         string
	workspaceDir     string
	agents           []string
	agentRoles       map[string]string
	hubAgentID       string
	isHubSpoke       bool
	signalsDir       string // absolute; empty when no signals alias
	workspaceWatches []string
	known            map[string]struct{}
	knownWorkspace   map[string]struct{}

	messenger Messenger
	sessions  map[string]string
	onMessage OnMessage
	runCtx    context.Context

	// Lifecycle
	watcher *fsnotify.Watcher
	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stopMu  sync.Mutex
}

// NewFilesystemBackend creates a filesystem-nudge backend with defaults.
func NewFilesystemBackend() *FilesystemBackend {
	return &FilesystemBackend{
		pollInterval:   DefaultPollInterval,
		logger:         zap.NewNop(),
		known:          make(map[string]struct{}),
		knownWorkspace: make(map[string]struct{}),
		wakeCh:         make(chan struct{}, 1),
	}
}

// WithLogger sets the backend logger.
func (b *FilesystemBackend) WithLogger(logger *zap.Logger) *FilesystemBackend {
	b.logger = logger
	return b
}

// Setup creates the coordination directory tree from the configured path
// aliases and snapshots existing files so only later arrivals trigger
// nudges.
func (b *FilesystemBackend) Setup(experimentDir string, agents []string, settings Settings) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.experimentDir = experimentDir
	b.agents = append([]string(nil), agents...)
	b.agentRoles = make(map[string]string, len(settings.AgentRoles))
	for id, role := range settings.AgentRoles {
		if role == "" {
			role = "peer"
		}
		b.agentRoles[id] = role
	}
	b.hubAgentID = settings.HubAgentID
	b.workspaceWatches = append([]string(nil), settings.WorkspaceWatches...)
	if settings.PollInterval > 0 {
		b.pollInterval = settings.PollInterval
	}

	base := settings.Paths["base"]
	if base == "" {
		base = "coordination/"
	}
	b.coordDir = filepath.Join(experimentDir, base)
	if err := os.MkdirAll(b.coordDir, 0750); err != nil {
		return fmt.Errorf("failed to create coordination directory: %w", err)
	}

	for alias, rel := range settings.Paths {
		if alias == "base" || rel == "" {
			continue
		}
		// File-like aliases (e.g. state.json) are not directories.
		if strings.Contains(filepath.Base(strings.TrimRight(rel, "/")), ".") {
			continue
		}
		if err := os.MkdirAll(filepath.Join(experimentDir, rel), 0750); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", alias, err)
		}
	}

	if signals := settings.Paths["signals"]; signals != "" {
		b.signalsDir = filepath.Join(experimentDir, signals)
	}

	// A tasks alias marks the pattern as hub-and-spoke and gets per-agent
	// queues.
	if tasks := settings.Paths["tasks"]; tasks != "" {
		b.isHubSpoke = true
		tasksDir := filepath.Join(experimentDir, tasks)
		for _, id := range agents {
			for _, sub := range []string{"pending", "completed"} {
				if err := os.MkdirAll(filepath.Join(tasksDir, id, sub), 0750); err != nil {
					return fmt.Errorf("failed to create task queue for %s: %w", id, err)
				}
			}
		}
	}

	b.workspaceDir = filepath.Join(experimentDir, "workspace")

	b.known = b.scanCoordination()
	b.knownWorkspace = b.scanWorkspace()
	return nil
}

// PromptInstructions returns no extra instructions: pattern prompts already
// document the filesystem protocol.
func (b *FilesystemBackend) PromptInstructions(agentID string) string {
	return ""
}

// StartWatching launches the poll loop and the fsnotify wakeup watcher.
func (b *FilesystemBackend) StartWatching(ctx context.Context, messenger Messenger, sessions map[string]string, onMessage OnMessage) error {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	if b.running {
		return fmt.Errorf("backend already watching")
	}

	b.mu.Lock()
	b.messenger = messenger
	b.sessions = make(map[string]string, len(sessions))
	for id, sid := range sessions {
		b.sessions[id] = sid
	}
	b.onMessage = onMessage
	b.runCtx = ctx
	b.mu.Unlock()

	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.running = true

	if watcher, err := fsnotify.NewWatcher(); err != nil {
		b.logger.Warn("Filesystem notifications unavailable, polling only", zap.Error(err))
	} else {
		b.watcher = watcher
		b.addWatchTree(b.coordDir)
		b.addWatchTree(b.workspaceDir)
		go b.watchLoop()
	}

	go b.pollLoop(ctx)
	return nil
}

// StopWatching stops the poll loop, then performs one final scan with
// delivery suppressed so late files (typically *.done signals) still land
// in the transcript. Safe to call more than once.
func (b *FilesystemBackend) StopWatching() {
	b.stopMu.Lock()
	if b.running {
		b.running = false
		close(b.stopCh)
		<-b.doneCh
		if b.watcher != nil {
			_ = b.watcher.Close()
			b.watcher = nil
		}
	}
	b.stopMu.Unlock()

	if b.coordDir != "" {
		b.pollOnce(false)
	}
}

// IsComplete checks signal files for completion: signals/done in hub-spoke
// patterns, signals/<agent>.done for every agent in peer networks.
func (b *FilesystemBackend) IsComplete(agents []string) bool {
	b.mu.Lock()
	signalsDir := b.signalsDir
	hubSpoke := b.isHubSpoke
	b.mu.Unlock()

	if signalsDir == "" {
		return false
	}
	if hubSpoke {
		return fileExists(filepath.Join(signalsDir, "done"))
	}
	for _, id := range agents {
		if !fileExists(filepath.Join(signalsDir, id+".done")) {
			return false
		}
	}
	return len(agents) > 0
}

// Teardown stops watching and releases session references.
func (b *FilesystemBackend) Teardown() {
	b.StopWatching()
	b.mu.Lock()
	b.messenger = nil
	b.sessions = nil
	b.mu.Unlock()
}

// ── Poll loop ────────────────────────────────────────────────────

func (b *FilesystemBackend) pollLoop(ctx context.Context) {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.wakeCh:
		}
		b.pollOnce(true)
	}
}

// pollOnce processes newly observed coordination/workspace files. A failure
// handling one file must not poison the loop, so it recovers and logs.
func (b *FilesystemBackend) pollOnce(deliver bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Coordination poll failed", zap.Any("panic", r))
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.scanCoordination()
	for _, path := range newPaths(current, b.known) {
		b.handleCoordinationFile(path, deliver)
	}
	b.known = current

	if len(b.workspaceWatches) == 0 {
		return
	}
	currentWS := b.scanWorkspace()
	for _, path := range newPaths(currentWS, b.knownWorkspace) {
		b.handleWorkspaceFile(path, deliver)
	}
	b.knownWorkspace = currentWS
}

func newPaths(current, known map[string]struct{}) []string {
	var fresh []string
	for path := range current {
		if _, seen := known[path]; !seen {
			fresh = append(fresh, path)
		}
	}
	sort.Strings(fresh)
	return fresh
}

func (b *FilesystemBackend) scanCoordination() map[string]struct{} {
	found := make(map[string]struct{})
	if b.coordDir == "" {
		return found
	}
	_ = filepath.WalkDir(b.coordDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // tolerate concurrent writers
		}
		if !d.IsDir() {
			found[path] = struct{}{}
		}
		return nil
	})
	return found
}

func (b *FilesystemBackend) scanWorkspace() map[string]struct{} {
	found := make(map[string]struct{})
	if b.workspaceDir == "" || len(b.workspaceWatches) == 0 {
		return found
	}
	for _, pattern := range b.workspaceWatches {
		matches, err := filepath.Glob(filepath.Join(b.workspaceDir, pattern))
		if err != nil {
			b.logger.Warn("Bad workspace watch pattern", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		for _, match := range matches {
			if info, err := os.Stat(match); err == nil && !info.IsDir() {
				found[match] = struct{}{}
			}
		}
	}
	return found
}

// ── File handling ────────────────────────────────────────────────

func (b *FilesystemBackend) handleCoordinationFile(path string, deliver bool) {
	rel, err := filepath.Rel(b.coordDir, path)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	filename := filepath.Base(path)
	content := readText(path)

	msgType, sender, recipient := b.classify(rel, filename)
	msg := Message{
		Timestamp:  time.Now(),
		Sender:     sender,
		Recipient:  recipient,
		Type:       msgType,
		Content:    content,
		SourcePath: rel,
	}

	// Completion signals end the experiment in hub-spoke mode and are not
	// worth a nudge there; peers do want to hear about each other's *.done.
	skipNudge := msgType == TypeCompletionSignal && b.isHubSpoke
	if deliver && recipient != "" && !skipNudge {
		nudge := b.buildNudgeText(msg, truncateForNudge(content, filename))
		msg.NudgeText = nudge
		switch {
		case recipient == Broadcast:
			for _, id := range b.agents {
				if id != sender {
					b.deliverNudge(id, nudge)
				}
			}
			msg.Delivered = true
			msg.DeliveryTimestamp = time.Now()
		default:
			if _, ok := b.sessions[recipient]; ok {
				b.deliverNudge(recipient, nudge)
				msg.Delivered = true
				msg.DeliveryTimestamp = time.Now()
			}
		}
	}

	if b.onMessage != nil {
		b.onMessage(msg)
	}
}

func (b *FilesystemBackend) handleWorkspaceFile(path string, deliver bool) {
	rel, err := filepath.Rel(b.experimentDir, path)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	content := readText(path)

	msg := Message{
		Timestamp:  time.Now(),
		Recipient:  Broadcast,
		Type:       TypeStatusUpdate,
		Content:    content,
		SourcePath: rel,
	}

	if deliver {
		nudge := fmt.Sprintf(
			"[Artifact Created] %s\n\n"+
				"A new file has appeared in the workspace. Here is its content:\n\n"+
				"---\n%s\n---\n\n"+
				"Continue your work based on this new information.",
			rel, truncateForNudge(content, filepath.Base(path)))
		msg.NudgeText = nudge
		for _, id := range b.agents {
			b.deliverNudge(id, nudge)
		}
		msg.Delivered = true
		msg.DeliveryTimestamp = time.Now()
	}

	if b.onMessage != nil {
		b.onMessage(msg)
	}
}

// classify maps a file's path under the coordination root to
// (type, sender, recipient) by convention:
//
//	tasks/<a>/pending/*      task_assignment  hub -> a
//	tasks/<a>/completed/*    status_update    a -> hub
//	status/<a>.json          status_update    a -> hub-or-all
//	messages/*-<s>-<r>.md    peer_message     s -> r (__all__ when r=all)
//	signals/done             completion_signal
//	signals/<a>.done         completion_signal
//	decisions/*              decision         hub -> __all__
//	blocked/<a>.*            question         a -> hub-or-all
//	questions/*              question         -> hub-or-all
//	reviews/*                peer_message     -> __all__
func (b *FilesystemBackend) classify(rel, filename string) (MessageType, string, string) {
	parts := strings.Split(rel, "/")

	if len(parts) >= 3 && parts[0] == "tasks" && parts[2] == "pending" {
		return TypeTaskAssignment, b.findHub(), parts[1]
	}
	if len(parts) >= 3 && parts[0] == "tasks" && parts[2] == "completed" {
		return TypeStatusUpdate, parts[1], b.findHub()
	}
	if parts[0] == "status" && strings.HasSuffix(filename, ".json") {
		return TypeStatusUpdate, stem(filename), b.recipientOrAll()
	}
	if parts[0] == "messages" && strings.HasSuffix(filename, ".md") {
		sender, recipient := b.parseMessageFilename(filename)
		return TypePeerMessage, sender, recipient
	}
	if parts[0] == "signals" {
		sender := ""
		if filename != "done" {
			sender = stem(filename)
		}
		if b.isHubSpoke {
			return TypeCompletionSignal, sender, ""
		}
		return TypeCompletionSignal, sender, Broadcast
	}
	if parts[0] == "decisions" {
		return TypeDecision, b.findHub(), Broadcast
	}
	if parts[0] == "blocked" {
		return TypeQuestion, stem(filename), b.recipientOrAll()
	}
	if parts[0] == "questions" {
		return TypeQuestion, "", b.recipientOrAll()
	}
	if parts[0] == "reviews" {
		return TypePeerMessage, "", Broadcast
	}

	return TypeStatusUpdate, "", ""
}

// parseMessageFilename extracts sender and recipient from a message
// filename of the form <timestamp>-<sender>-<recipient>.md, where
// recipient may be "all" for a broadcast.
func (b *FilesystemBackend) parseMessageFilename(filename string) (string, string) {
	base := stem(filename)
	for _, sender := range b.agents {
		for _, recipient := range b.agents {
			if sender == recipient {
				continue
			}
			if strings.Contains(base, "-"+sender+"-"+recipient) {
				return sender, recipient
			}
		}
		if strings.Contains(base, "-"+sender+"-all") {
			return sender, Broadcast
		}
	}
	return "", ""
}

// findHub resolves the hub agent: explicit id first, then role metadata,
// then the first configured agent for patterns predating role metadata.
func (b *FilesystemBackend) findHub() string {
	if !b.isHubSpoke {
		return ""
	}
	if b.hubAgentID != "" {
		for _, id := range b.agents {
			if id == b.hubAgentID {
				return b.hubAgentID
			}
		}
	}
	for _, id := range b.agents {
		if strings.EqualFold(b.agentRoles[id], "hub") {
			return id
		}
	}
	if len(b.agents) > 0 {
		return b.agents[0]
	}
	return ""
}

func (b *FilesystemBackend) recipientOrAll() string {
	if hub := b.findHub(); hub != "" {
		return hub
	}
	return Broadcast
}

// buildNudgeText renders the user turn injected into a recipient's
// conversation: header, source path, inline content, brief instruction.
// Delivering the actual content (not a "check this file" pointer) lets the
// agent act immediately.
func (b *FilesystemBackend) buildNudgeText(msg Message, content string) string {
	header := "[Coordination] " + titleWords(strings.ReplaceAll(string(msg.Type), "_", " "))
	if msg.Sender != "" {
		header += " from " + msg.Sender
	}

	parts := []string{header}
	if msg.SourcePath != "" {
		parts = append(parts, "File: "+msg.SourcePath)
	}
	if strings.TrimSpace(content) != "" {
		parts = append(parts, "", content)
	}
	parts = append(parts, "", "Act on this information and continue your work.")
	return strings.Join(parts, "\n")
}

func (b *FilesystemBackend) deliverNudge(agentID, nudge string) {
	sessionID, ok := b.sessions[agentID]
	if !ok || b.messenger == nil {
		return
	}
	ctx := b.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.messenger.PostMessage(ctx, sessionID, nudge); err != nil {
		b.logger.Warn("Nudge delivery failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}

// ── fsnotify wakeups ─────────────────────────────────────────────

func (b *FilesystemBackend) addWatchTree(root string) {
	if b.watcher == nil || root == "" {
		return
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := b.watcher.Add(path); addErr != nil {
				b.logger.Debug("Failed to watch directory", zap.String("path", path), zap.Error(addErr))
			}
		}
		return nil
	})
}

func (b *FilesystemBackend) watchLoop() {
	for {
		select {
		case <-b.stopCh:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				// Agents create subdirectories on the fly; watch them too.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = b.watcher.Add(event.Name)
				}
			}
			select {
			case b.wakeCh <- struct{}{}:
			default:
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Debug("Filesystem watch error", zap.Error(err))
		}
	}
}

// ── Helpers ──────────────────────────────────────────────────────

func truncateForNudge(text, filename string) string {
	if len(text) <= MaxNudgeContent {
		return text
	}
	return text[:MaxNudgeContent] + fmt.Sprintf(
		"\n\n[... truncated at %d chars, read full file at %s]",
		MaxNudgeContent, filename)
}

func readText(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func stem(filename string) string {
	if i := strings.LastIndex(filename, "."); i >= 0 {
		return filename[:i]
	}
	return filename
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
