package mode

// NotifyResult tells the host what to do after a mode handled an event.
// The variants are Nothing, ProgressChanged, Finished, BuildCalibrationFile
// and CalibrationUpdated.
type NotifyResult interface {
	notifyResult()
}

// Nothing means no host-visible change.
type Nothing struct{}

// ProgressChanged asks the host to refresh progress and status text.
type ProgressChanged struct{}

// Finished ends the mode. Next, when set, is started in its place.
type Finished struct {
	Next Mode
}

// BuildCalibrationFile asks the calibration library to build a file from
// frames the mode has captured.
type BuildCalibrationFile struct {
	Request BuildRequest
}

// CalibrationUpdated publishes a fresh mount calibration for the session.
type CalibrationUpdated struct {
	Result MountMoveCalibrRes
}

func (Nothing) notifyResult()              {}
func (ProgressChanged) notifyResult()      {}
func (Finished) notifyResult()             {}
func (BuildCalibrationFile) notifyResult() {}
func (CalibrationUpdated) notifyResult()   {}
