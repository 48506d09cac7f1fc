package engine

// AlertKind is a closed enumeration of the engine alert vocabulary this
// system consumes (§6). Using a kind enum plus a registration table,
// rather than reflection over alert struct types, is the dispatch
// design called for in the design notes.
type AlertKind int

const (
	AlertAddTorrent AlertKind = iota
	AlertTorrentRemoved
	AlertSaveResumeData
	AlertSaveResumeDataFailed
	AlertFileRenamed
	AlertTorrentPaused
	AlertTorrentFinished
	AlertStorageMoved
	AlertCacheFlushed
	AlertPieceComplete

	numAlertKinds
)

func (k AlertKind) String() string {
	switch k {
	case AlertAddTorrent:
		return "add_torrent"
	case AlertTorrentRemoved:
		return "torrent_removed"
	case AlertSaveResumeData:
		return "save_resume_data"
	case AlertSaveResumeDataFailed:
		return "save_resume_data_failed"
	case AlertFileRenamed:
		return "file_renamed"
	case AlertTorrentPaused:
		return "torrent_paused"
	case AlertTorrentFinished:
		return "torrent_finished"
	case AlertStorageMoved:
		return "storage_moved"
	case AlertCacheFlushed:
		return "cache_flushed"
	case AlertPieceComplete:
		return "piece_complete"
	default:
		return "unknown"
	}
}

// AlertMask is a bitmask over AlertKind, OR-ed into the engine's global
// alert mask at startup and used by the alert driver to route each
// alert to its subscribers.
type AlertMask uint32

func MaskOf(kinds ...AlertKind) AlertMask {
	var m AlertMask
	for _, k := range kinds {
		m |= 1 << uint(k)
	}
	return m
}

func (m AlertMask) Has(k AlertKind) bool {
	return m&(1<<uint(k)) != 0
}

// Alert is the common shape of every engine event.
type Alert interface {
	Kind() AlertKind
	InfoHash() string
}

type baseAlert struct {
	kind     AlertKind
	infoHash string
}

func (a baseAlert) Kind() AlertKind   { return a.kind }
func (a baseAlert) InfoHash() string  { return a.infoHash }

// AddTorrentAlert reports that a torrent add completed (successfully or
// not), whether initiated by this process or discovered already
// present in the engine at startup.
type AddTorrentAlert struct {
	baseAlert
	Handle Handle
	Err    error
}

func NewAddTorrentAlert(infoHash string, h Handle, err error) AddTorrentAlert {
	return AddTorrentAlert{baseAlert: baseAlert{AlertAddTorrent, infoHash}, Handle: h, Err: err}
}

// TorrentRemovedAlert reports a torrent has finished being torn down.
type TorrentRemovedAlert struct{ baseAlert }

func NewTorrentRemovedAlert(infoHash string) TorrentRemovedAlert {
	return TorrentRemovedAlert{baseAlert{AlertTorrentRemoved, infoHash}}
}

// SaveResumeDataAlert carries a freshly produced bencoded resume blob.
type SaveResumeDataAlert struct {
	baseAlert
	Data []byte
}

func NewSaveResumeDataAlert(infoHash string, data []byte) SaveResumeDataAlert {
	return SaveResumeDataAlert{baseAlert{AlertSaveResumeData, infoHash}, data}
}

// SaveResumeDataFailedAlert reports that a requested save failed.
type SaveResumeDataFailedAlert struct {
	baseAlert
	Err error
}

func NewSaveResumeDataFailedAlert(infoHash string, err error) SaveResumeDataFailedAlert {
	return SaveResumeDataFailedAlert{baseAlert{AlertSaveResumeDataFailed, infoHash}, err}
}

// Trigger alerts: these five alert kinds only ever cause ResumeService
// to call save(info_hash); they carry no payload beyond the info hash.
type (
	FileRenamedAlert    struct{ baseAlert }
	TorrentPausedAlert  struct{ baseAlert }
	TorrentFinishedAlert struct{ baseAlert }
	StorageMovedAlert   struct{ baseAlert }
	CacheFlushedAlert   struct{ baseAlert }
)

func NewFileRenamedAlert(infoHash string) FileRenamedAlert { return FileRenamedAlert{baseAlert{AlertFileRenamed, infoHash}} }
func NewTorrentPausedAlert(infoHash string) TorrentPausedAlert {
	return TorrentPausedAlert{baseAlert{AlertTorrentPaused, infoHash}}
}
func NewTorrentFinishedAlert(infoHash string) TorrentFinishedAlert {
	return TorrentFinishedAlert{baseAlert{AlertTorrentFinished, infoHash}}
}
func NewStorageMovedAlert(infoHash string) StorageMovedAlert {
	return StorageMovedAlert{baseAlert{AlertStorageMoved, infoHash}}
}
func NewCacheFlushedAlert(infoHash string) CacheFlushedAlert {
	return CacheFlushedAlert{baseAlert{AlertCacheFlushed, infoHash}}
}

// PieceCompleteAlert reports a single piece finished downloading and
// passed verification.
type PieceCompleteAlert struct {
	baseAlert
	Piece int
}

func NewPieceCompleteAlert(infoHash string, piece int) PieceCompleteAlert {
	return PieceCompleteAlert{baseAlert{AlertPieceComplete, infoHash}, piece}
}
