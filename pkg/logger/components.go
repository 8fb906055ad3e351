package logger

// Component name constants for standardized logging
const (
	// Core components
	ComponentCore              = "Core"
	ComponentControlLoop       = "ControlLoop"
	ComponentRegistry          = "DeviceRegistry"
	ComponentWatchdog          = "Watchdog"
	ComponentStarvationChecker = "StarvationChecker"

	// Per-device components
	ComponentExecutor     = "Executor"
	ComponentStateMachine = "StateMachine"
	ComponentSupervisor   = "AgentSupervisor"
	ComponentEmulator     = "EmulatorService"

	// Scheduling
	ComponentScheduler = "Scheduler"

	// Infrastructure
	ComponentConfigManager = "ConfigManager"
	ComponentEventBus      = "EventBus"
	ComponentNotifier      = "Notifier"
	ComponentAPI           = "API"
	ComponentMetrics       = "Metrics"
)
