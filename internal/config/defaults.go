package config

const (
	defaultConfigPath                  = "~/.config/comfyrun/config.toml"
	defaultRunsDir                     = "~/.local/share/comfyrun/runs"
	defaultLogDir                      = "~/.local/share/comfyrun/logs"
	defaultHistoryPath                 = "~/.local/share/comfyrun/history.db"
	defaultOutputDir                   = "~/ComfyUI/output"
	defaultComfyUIURL                  = "http://127.0.0.1:8188"
	defaultComfyUIRequestTimeout       = 10
	defaultMaxWaitSeconds              = 300
	defaultPollIntervalSeconds         = 2
	defaultAttemptLimit                = 0
	defaultPostExecutionTimeoutSeconds = 30
	defaultTieBreak                    = TieBreakTimeoutFirst
	defaultFrameFloor                  = 25
	defaultRetryBudget                 = 1
	defaultGPUStatsAttempts            = 3
	defaultGPUStatsIntervalMS          = 500
	defaultSMIBinary                   = "nvidia-smi"
	defaultSMITimeout                  = 10
	defaultRedisAddr                   = "localhost:6379"
	defaultRedisJobQueue               = "comfyrun:jobs"
	defaultRedisTelemetryList          = "comfyrun:telemetry"
	defaultRedisMaxJobs                = 50
	defaultNotifyRequestTimeout        = 10
	defaultLogFormat                   = "console"
	defaultLogLevel                    = "info"
	defaultLogRetentionDays            = 30
)

// Detector tie-break policies for a tick where the post-execution timeout and
// the done-marker would both fire.
const (
	TieBreakTimeoutFirst = "timeout_first"
	TieBreakMarkerFirst  = "marker_first"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RunsDir: defaultRunsDir,
			LogDir:  defaultLogDir,
		},
		ComfyUI: ComfyUI{
			URL:               defaultComfyUIURL,
			RequestTimeout:    defaultComfyUIRequestTimeout,
			InterruptOnCancel: true,
		},
		Detection: Detection{
			MaxWaitSeconds:              defaultMaxWaitSeconds,
			PollIntervalSeconds:         defaultPollIntervalSeconds,
			AttemptLimit:                defaultAttemptLimit,
			PostExecutionTimeoutSeconds: defaultPostExecutionTimeoutSeconds,
			TieBreak:                    defaultTieBreak,
			ExitOnRemoteError:           true,
		},
		DoneMarker: DoneMarker{
			Enabled: true,
		},
		Artifacts: Artifacts{
			OutputDirs: []string{defaultOutputDir},
			Extensions: []string{".png"},
			FrameFloor: defaultFrameFloor,
		},
		Retry: Retry{
			Budget: defaultRetryBudget,
		},
		GPU: GPU{
			StatsAttempts:   defaultGPUStatsAttempts,
			StatsIntervalMS: defaultGPUStatsIntervalMS,
			SMIBinary:       defaultSMIBinary,
			SMITimeout:      defaultSMITimeout,
		},
		History: History{
			Enabled: true,
			Path:    defaultHistoryPath,
		},
		Redis: Redis{
			Addr:          defaultRedisAddr,
			JobQueue:      defaultRedisJobQueue,
			TelemetryList: defaultRedisTelemetryList,
			MaxJobs:       defaultRedisMaxJobs,
		},
		Metrics: Metrics{
			Textfile: true,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			RunEvents:      true,
			JobFailures:    true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
