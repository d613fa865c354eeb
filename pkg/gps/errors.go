package gps

import "errors"

var (
	// ErrPermissionDenied is returned by a Platform when the user refused
	// location access. It stays terminal for the session until the user
	// intervenes.
	ErrPermissionDenied = errors.New("location permission denied")

	// ErrPositionUnavailable is a platform failure to produce a fix
	ErrPositionUnavailable = errors.New("position unavailable")

	// ErrAllStrategiesFailed means every acquisition strategy timed out or errored
	ErrAllStrategiesFailed = errors.New("all acquisition strategies failed")

	// ErrAllProvidersFailed means no IP geolocation provider produced a valid position
	ErrAllProvidersFailed = errors.New("all ip geolocation providers failed")

	// ErrAlreadyOptimizing is returned when an optimization cycle is requested
	// while one is running.
	ErrAlreadyOptimizing = errors.New("optimization already in progress")

	// ErrOptimizerClosed is returned after Close
	ErrOptimizerClosed = errors.New("optimizer closed")
)
