package constants

// Default server values
const (
	DefaultServerPort            = 8082
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	DefaultHTTPTimeoutSec        = 30
)

// Default gateway values
const (
	DefaultWAHABaseURL         = "http://localhost:3000"
	DefaultWebsocketReadLimit  = 1 << 20
	DefaultEventBufferSize     = 64
	DefaultWebsocketRedialSec  = 5
	DefaultSessionCloseWaitSec = 10
)

// Default session lifecycle values
const (
	DefaultReconnectDelayMs       = 2000
	DefaultLoginCodeExpirySec     = 60
	DefaultFirstLoginRestartSec   = 20
	DefaultRestartSettleMs        = 1000
	DefaultBreakerMaxFailures     = 5
	DefaultBreakerCooldownSec     = 120
	DefaultRestoreConcurrency     = 4
	DefaultRestartConfirmation    = "Bot restarted successfully"
	DefaultCommandPrefix          = "."
	DefaultSelfJIDSuffix          = "@s.whatsapp.net"
	DefaultStatusBroadcastChat    = "status@broadcast"
	DefaultPollMarker             = "📊 Poll:"
	DefaultNotificationTimeoutSec = 15
	DefaultStartupRetryAttempts   = 3
	DefaultStartupRetryDelaySec   = 5
)

// Default credential store values
const (
	DefaultMaxRAMMB              = 10
	DefaultMaxROMMB              = 50
	DefaultLimitSweepSec         = 60
	DefaultDatabaseRetryAttempts = 3
	DefaultBackoffInitialMs      = 500
	DefaultBackoffMaxSec         = 5
)

// Privacy settings
const (
	DefaultPhoneMaskLength = 4
)

// Input limits
const (
	MinUserIDLength  = 7
	MaxUserIDLength  = 15
	MaxAuthRefLength = 128
)
