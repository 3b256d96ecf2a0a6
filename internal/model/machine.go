package model

import "slices"

// MachineInfo represents the static hardware and OS descriptor of a node
type MachineInfo struct {
	OS            string `json:"os"`
	OSVersion     string `json:"osVersion"`
	HostName      string `json:"hostName"`
	KernelVersion string `json:"kernelVersion"`
	NumberOfCPU   int    `json:"numberOfCpu"`
	Arch          string `json:"arch"`
	Brand         string `json:"brand"`
}

// MachineUsage represents one telemetry sample reported by a node
type MachineUsage struct {
	TotalMemory  uint64    `json:"totalMemory"`
	UsedMemory   uint64    `json:"usedMemory"`
	TotalSwap    uint64    `json:"totalSwap"`
	UsedSwap     uint64    `json:"usedSwap"`
	CPUUsage     []float32 `json:"cpuUsage"`
	CPUFrequency []uint64  `json:"cpuFrequency"`
	NetworkDown  uint64    `json:"networkDown"`
	NetworkUp    uint64    `json:"networkUp"`
}

// Clone returns a copy of the sample that shares no slices with u
func (u MachineUsage) Clone() MachineUsage {
	u.CPUUsage = slices.Clone(u.CPUUsage)
	u.CPUFrequency = slices.Clone(u.CPUFrequency)
	return u
}
