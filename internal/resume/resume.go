// Package resume implements the crash-safe resume manager from
// spec.md §4.5: it persists per-torrent resume state to disk, tracking
// in-flight save_resume_data operations so a shutdown can drain them
// before the process exits.
package resume

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"golang.org/x/sync/errgroup"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/engine"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/tvlog"
)

// SaveAllInterval is how often a full save_all(flush=false) sweep runs
// absent any other trigger, matching the original's
// math.tan(1.5657) ≈ 196s.
const SaveAllInterval = 196 * time.Second

// maxConcurrentWrites bounds the resume-file write/delete worker pool.
const maxConcurrentWrites = 4

var resumeFileName = regexp.MustCompile(`^[0-9a-f]{40}\.resume$`)

// Blob is one resume record, either freshly decoded from disk at
// startup or written by this Service.
type Blob struct {
	InfoHash string
	Data     []byte
}

// Service owns resume-data persistence for every torrent the engine
// currently knows about.
type Service struct {
	dir string
	eg  *errgroup.Group

	mu          sync.Mutex
	cond        *sync.Cond
	outstanding map[string]int
	handles     map[string]engine.Handle
	aborted     bool
	lastSaveAll time.Time
}

// New creates a Service writing resume files under dir.
func New(dir string) *Service {
	s := &Service{
		dir:         dir,
		eg:          &errgroup.Group{},
		outstanding: make(map[string]int),
		handles:     make(map[string]engine.Handle),
	}
	s.eg.SetLimit(maxConcurrentWrites)
	s.cond = sync.NewCond(&s.mu)
	return s
}

// AlertMask is the set of alert kinds this service must receive.
func (s *Service) AlertMask() engine.AlertMask {
	return engine.MaskOf(
		engine.AlertAddTorrent, engine.AlertTorrentRemoved,
		engine.AlertSaveResumeData, engine.AlertSaveResumeDataFailed,
		engine.AlertFileRenamed, engine.AlertTorrentPaused,
		engine.AlertTorrentFinished, engine.AlertStorageMoved, engine.AlertCacheFlushed,
	)
}

func (s *Service) inc(infoHash string) {
	s.mu.Lock()
	s.outstanding[infoHash]++
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Service) dec(infoHash string) {
	s.mu.Lock()
	s.outstanding[infoHash]--
	if s.outstanding[infoHash] <= 0 {
		delete(s.outstanding, infoHash)
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Service) pop(infoHash string) {
	s.mu.Lock()
	delete(s.outstanding, infoHash)
	delete(s.handles, infoHash)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// HandleAlert implements alertdriver.Subscriber.
func (s *Service) HandleAlert(a engine.Alert) {
	switch alert := a.(type) {
	case engine.AddTorrentAlert:
		s.onAddTorrent(alert)
	case engine.TorrentRemovedAlert:
		s.onTorrentRemoved(alert)
	case engine.SaveResumeDataAlert:
		s.onSaveResumeData(alert)
	case engine.SaveResumeDataFailedAlert:
		s.dec(alert.InfoHash())
	case engine.FileRenamedAlert:
		s.save(alert.InfoHash(), false)
	case engine.TorrentPausedAlert:
		s.save(alert.InfoHash(), false)
	case engine.TorrentFinishedAlert:
		s.save(alert.InfoHash(), false)
	case engine.StorageMovedAlert:
		s.save(alert.InfoHash(), false)
	case engine.CacheFlushedAlert:
		s.save(alert.InfoHash(), false)
	}
}

func (s *Service) onAddTorrent(a engine.AddTorrentAlert) {
	if a.Err != nil || a.Handle == nil {
		return
	}
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		tvlog.Errorf(a.InfoHash(), "resume: torrent added after service aborted")
		return
	}
	s.handles[a.InfoHash()] = a.Handle
	s.mu.Unlock()
}

func (s *Service) onTorrentRemoved(a engine.TorrentRemovedAlert) {
	infoHash := a.InfoHash()
	s.eg.Go(func() error {
		s.deleteResumeFile(infoHash)
		return nil
	})
}

func (s *Service) onSaveResumeData(a engine.SaveResumeDataAlert) {
	s.mu.Lock()
	_, ok := s.handles[a.InfoHash()]
	s.mu.Unlock()
	if !ok {
		tvlog.Debugf(a.InfoHash(), "resume: dropping resume data for missing torrent")
		return
	}
	infoHash, data := a.InfoHash(), a.Data
	s.eg.Go(func() error {
		s.writeResumeFile(infoHash, data)
		return nil
	})
}

// save issues save_resume_data on infoHash's handle; an invalid-handle
// (or otherwise failing) call is silently ignored and the counter is
// not incremented, matching the original's tolerance of a save
// requested immediately after removal.
func (s *Service) save(infoHash string, flush bool) {
	s.mu.Lock()
	handle, ok := s.handles[infoHash]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := handle.SaveResumeData(!flush, flush); err != nil {
		tvlog.Debugf(infoHash, "resume: save_resume_data: %v", err)
		return
	}
	s.inc(infoHash)
}

func (s *Service) saveAll(flush bool) {
	s.mu.Lock()
	infoHashes := make([]string, 0, len(s.handles))
	for ih := range s.handles {
		infoHashes = append(infoHashes, ih)
	}
	s.mu.Unlock()
	for _, ih := range infoHashes {
		s.save(ih, flush)
	}
}

// GetTickDeadline and Tick implement engine.Ticker: a full save_all
// sweep runs every SaveAllInterval, independent of alert arrival.
func (s *Service) GetTickDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return engine.InfiniteDeadline
	}
	return s.lastSaveAll.Add(SaveAllInterval)
}

func (s *Service) Tick() {
	s.saveAll(false)
	s.mu.Lock()
	s.lastSaveAll = time.Now()
	s.mu.Unlock()
}

// Abort flags the service as shutting down and issues one final,
// disk-cache-flushing save_all. Must be called exactly once.
func (s *Service) Abort() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		panic("resume: Abort called twice")
	}
	s.aborted = true
	s.mu.Unlock()
	s.saveAll(true)
}

// Done reports whether every torrent's outstanding save count is zero.
func (s *Service) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding) == 0
}

// Wait blocks until Done(). Precondition: Abort has already been
// called.
func (s *Service) Wait() {
	s.mu.Lock()
	if !s.aborted {
		s.mu.Unlock()
		panic("resume: Wait called before Abort")
	}
	for len(s.outstanding) != 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
	s.eg.Wait()
}

func (s *Service) resumeFilePath(infoHash string) string {
	return filepath.Join(s.dir, infoHash+".resume")
}

// writeResumeFile writes data to <ih>.tmp, then atomically renames it
// to <ih>.resume. The temp file is always removed; on any OS error the
// old resume file, if any, is left in place.
func (s *Service) writeResumeFile(infoHash string, data []byte) {
	defer s.dec(infoHash)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		tvlog.Errorf(infoHash, "resume: mkdir %s: %v", s.dir, err)
		return
	}
	path := s.resumeFilePath(infoHash)
	tmp := filepath.Join(s.dir, infoHash+".tmp")
	if err := writeAndRename(tmp, path, data); err != nil {
		tvlog.Errorf(infoHash, "resume: write resume data: %v", err)
		return
	}
	tvlog.Debugf(infoHash, "resume: wrote resume data")
}

func writeAndRename(tmp, path string, data []byte) error {
	defer os.Remove(tmp)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// deleteResumeFile removes infoHash's resume file, idempotently (a
// missing file is not an error), then drops it from both maps.
func (s *Service) deleteResumeFile(infoHash string) {
	defer s.pop(infoHash)
	if err := os.Remove(s.resumeFilePath(infoHash)); err != nil && !os.IsNotExist(err) {
		tvlog.Errorf(infoHash, "resume: delete resume data: %v", err)
		return
	}
	tvlog.Debugf(infoHash, "resume: deleted resume data")
}

// LoadFromDisk enumerates dir for resume files, ignoring anything
// whose name isn't exactly <40-hex>.resume. OS and decode errors on a
// single file are logged and skipped, never fatal to the scan.
func LoadFromDisk(dir string) []Blob {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			tvlog.Errorf(dir, "resume: scan resume dir: %v", err)
		}
		return nil
	}

	var blobs []Blob
	for _, e := range entries {
		if e.IsDir() || !resumeFileName.MatchString(e.Name()) {
			continue
		}
		infoHash := e.Name()[:40]
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			tvlog.Errorf(infoHash, "resume: read %s: %v", e.Name(), err)
			continue
		}
		var decoded interface{}
		if err := bencode.Unmarshal(data, &decoded); err != nil {
			tvlog.Errorf(infoHash, "resume: decode %s: %v", e.Name(), err)
			continue
		}
		blobs = append(blobs, Blob{InfoHash: infoHash, Data: data})
	}
	return blobs
}
