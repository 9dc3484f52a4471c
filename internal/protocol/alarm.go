package protocol

// Canonical alarm names shared by codec alarm-code tables.
const (
	AlarmSOS          = "sos"
	AlarmPowerCut     = "powerCut"
	AlarmLowBattery   = "lowBattery"
	AlarmShock        = "shock"
	AlarmMovement     = "movement"
	AlarmGPSJamming   = "gpsJamming"
	AlarmTampering    = "tampering"
	AlarmTow          = "tow"
	AlarmHardBraking  = "hardBraking"
	AlarmAcceleration = "hardAcceleration"
)
