package config

const (
	defaultConfigPath              = "~/.config/offload/config.toml"
	defaultDestinationRoot         = "~/Footage"
	defaultStateDir                = "~/.local/share/offload"
	defaultLogDir                  = "~/.local/share/offload/logs"
	defaultHistoryFile             = "~/.local/share/offload/copy_history.json"
	defaultDumpPrefix              = "Dump"
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
	defaultLogRetentionDays        = 30
	defaultLogMaxSizeMB            = 10
	defaultLogMaxBackups           = 5
	defaultPollIntervalSeconds     = 2
	defaultEjectSuppressionSeconds = 3
	defaultEnumerateTimeoutSeconds = 5
	defaultNotifyTimeoutSeconds    = 10
)

// Media modes accepted by AllowedExtensions and StartOperation.
const (
	MediaModePhoto = "photo"
	MediaModeVideo = "video"
	MediaModeAll   = "all"
)

// Pattern kinds and anchors.
const (
	KindPhoto = "photo"
	KindVideo = "video"

	AnchorDCIM   = "DCIM"
	AnchorRoot   = "ROOT"
	AnchorVolume = "VOLUME"
)

var (
	defaultVideoExtensions = []string{".mp4", ".mov", ".mxf", ".mts", ".m2ts", ".m4v", ".avi", ".braw", ".r3d", ".crm"}
	defaultPhotoExtensions = []string{".jpg", ".jpeg", ".cr2", ".cr3", ".nef", ".arw", ".dng", ".raf", ".gpr", ".tif", ".tiff", ".heic"}
	defaultMountRoots      = []string{"/media", "/run/media", "/mnt", "/Volumes"}
)

// DefaultPatterns returns the built-in camera folder table.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Kind: KindVideo, Brand: "Sony (XAVC S)", Anchor: AnchorRoot, Match: `PRIVATE`, Subpath: "PRIVATE/M4ROOT/CLIP"},
		{Kind: KindVideo, Brand: "Sony (FX6)", Anchor: AnchorRoot, Match: `XDROOT`, Subpath: "XDROOT/Clip"},
		{Kind: KindVideo, Brand: "Canon", Anchor: AnchorDCIM, Match: `\d{3}CANON`},
		{Kind: KindVideo, Brand: "Canon (Cinema RAW Light)", Anchor: AnchorRoot, Match: `CONTENTS`, Subpath: "CONTENTS"},
		{Kind: KindVideo, Brand: "Panasonic", Anchor: AnchorDCIM, Match: `\d{3}_PANA`},
		{Kind: KindVideo, Brand: "Fujifilm", Anchor: AnchorDCIM, Match: `\d{3}_FUJI`},
		{Kind: KindVideo, Brand: "Nikon", Anchor: AnchorDCIM, Match: `\d{3}NIKON`},
		{Kind: KindVideo, Brand: "Olympus", Anchor: AnchorDCIM, Match: `\d{3}OLYMP`},
		{Kind: KindVideo, Brand: "Leica", Anchor: AnchorDCIM, Match: `\d{3}LEICA`},
		{Kind: KindVideo, Brand: "GoPro", Anchor: AnchorDCIM, Match: `\d{3}GOPRO`},
		{Kind: KindVideo, Brand: "DJI", Anchor: AnchorDCIM, Match: `\d{3}MEDIA`},
		{Kind: KindVideo, Brand: "DJI (Custom)", Anchor: AnchorDCIM, Match: `\d{3}_[A-Z0-9]+`},
		{Kind: KindPhoto, Brand: "DJI (Custom)", Anchor: AnchorDCIM, Match: `\d{3}_[A-Z0-9]+`},
		{Kind: KindVideo, Brand: "DJI (Custom)", Anchor: AnchorDCIM, Match: `DJI_\d{3}_[A-Z0-9]+`},
		{Kind: KindPhoto, Brand: "DJI (Custom)", Anchor: AnchorDCIM, Match: `DJI_\d{3}_[A-Z0-9]+`},
		{Kind: KindVideo, Brand: "Insta360", Anchor: AnchorDCIM, Match: `Camera\d{2}`},
		{Kind: KindVideo, Brand: "Blackmagic", Anchor: AnchorRoot, Match: `\d{4}_\d{2}_\d{2}_\d{4}_C\d{4}`},
		{Kind: KindVideo, Brand: "RED", Anchor: AnchorRoot, Match: `[A-Z]\d{3}_C\d{3}_\d{6}[A-Z]{2}\.RDC`},
		{Kind: KindVideo, Brand: "ARRI", Anchor: AnchorRoot, Match: `[A-Z]\d{3}C\d{3}_\d{6}_[A-Z]\d{3}`},
		{Kind: KindPhoto, Brand: "Sony", Anchor: AnchorDCIM, Match: `\d{3}_\d{6}|\d+`},
		{Kind: KindPhoto, Brand: "Sony", Anchor: AnchorDCIM, Match: `\d{3}MSDCF`},
		{Kind: KindPhoto, Brand: "Canon", Anchor: AnchorDCIM, Match: `\d{3}CANON`},
		{Kind: KindPhoto, Brand: "Panasonic", Anchor: AnchorDCIM, Match: `\d{3}_PANA`},
		{Kind: KindPhoto, Brand: "Fujifilm", Anchor: AnchorDCIM, Match: `\d{3}_FUJI`},
		{Kind: KindPhoto, Brand: "Nikon", Anchor: AnchorDCIM, Match: `\d{3}NIKON`},
		{Kind: KindPhoto, Brand: "Olympus", Anchor: AnchorDCIM, Match: `\d{3}OLYMP`},
		{Kind: KindPhoto, Brand: "Leica", Anchor: AnchorDCIM, Match: `\d{3}LEICA`},
		{Kind: KindPhoto, Brand: "GoPro", Anchor: AnchorDCIM, Match: `\d{3}GOPRO`},
		{Kind: KindPhoto, Brand: "DJI", Anchor: AnchorDCIM, Match: `\d{3}MEDIA`},
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DestinationRoot: defaultDestinationRoot,
			StateDir:        defaultStateDir,
			LogDir:          defaultLogDir,
			HistoryFile:     defaultHistoryFile,
		},
		Ingest: Ingest{
			MediaMode:  MediaModeAll,
			DumpPrefix: defaultDumpPrefix,
		},
		Extensions: Extensions{
			Photo: append([]string(nil), defaultPhotoExtensions...),
			Video: append([]string(nil), defaultVideoExtensions...),
		},
		Monitor: Monitor{
			PollIntervalSeconds:     defaultPollIntervalSeconds,
			EjectSuppressionSeconds: defaultEjectSuppressionSeconds,
			EnumerateTimeoutSeconds: defaultEnumerateTimeoutSeconds,
			MountRoots:              append([]string(nil), defaultMountRoots...),
			Netlink:                 true,
			WatchMounts:             true,
		},
		Patterns: DefaultPatterns(),
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
			MaxSizeMB:     defaultLogMaxSizeMB,
			MaxBackups:    defaultLogMaxBackups,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNotifyTimeoutSeconds,
			CardDetected:          true,
			SessionFinished:       true,
		},
	}
}
