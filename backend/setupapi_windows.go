//go:build windows

package backend

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Device interface class GUIDs used for enumeration and notification.
var (
	guidDevInterfaceComPort = windows.GUID{
		Data1: 0x86E0D1E0, Data2: 0x8089, Data3: 0x11D0,
		Data4: [8]byte{0x9C, 0xE4, 0x08, 0x00, 0x3E, 0x30, 0x1F, 0x73},
	}
	guidDevInterfaceUSBHostController = windows.GUID{
		Data1: 0x3ABF6F2D, Data2: 0x71C4, Data3: 0x462A,
		Data4: [8]byte{0x8A, 0x92, 0x1E, 0x68, 0x61, 0xE6, 0xAF, 0x27},
	}
)

const (
	digcfPresent         = 0x00000002
	digcfDeviceInterface = 0x00000010

	errorNoMoreItems = 259

	crSuccess = 0

	cmDrpLocationInformation = 0x0000000E // CM_DRP_* values are SPDRP_* + 1
)

var (
	modsetupapi = windows.NewLazySystemDLL("setupapi.dll")
	modcfgmgr32 = windows.NewLazySystemDLL("cfgmgr32.dll")
	modhid      = windows.NewLazySystemDLL("hid.dll")

	procSetupDiGetClassDevsW             = modsetupapi.NewProc("SetupDiGetClassDevsW")
	procSetupDiEnumDeviceInterfaces      = modsetupapi.NewProc("SetupDiEnumDeviceInterfaces")
	procSetupDiGetDeviceInterfaceDetailW = modsetupapi.NewProc("SetupDiGetDeviceInterfaceDetailW")
	procSetupDiDestroyDeviceInfoList     = modsetupapi.NewProc("SetupDiDestroyDeviceInfoList")

	procCMGetParent              = modcfgmgr32.NewProc("CM_Get_Parent")
	procCMGetDeviceIDW           = modcfgmgr32.NewProc("CM_Get_Device_IDW")
	procCMGetDevNodeRegistryProp = modcfgmgr32.NewProc("CM_Get_DevNode_Registry_PropertyW")

	procHidDGetHidGuid            = modhid.NewProc("HidD_GetHidGuid")
	procHidDGetAttributes         = modhid.NewProc("HidD_GetAttributes")
	procHidDGetSerialNumberString = modhid.NewProc("HidD_GetSerialNumberString")
	procHidDGetPreparsedData      = modhid.NewProc("HidD_GetPreparsedData")
	procHidDFreePreparsedData     = modhid.NewProc("HidD_FreePreparsedData")
	procHidPGetCaps               = modhid.NewProc("HidP_GetCaps")
	procHidDSetFeature            = modhid.NewProc("HidD_SetFeature")
	procHidDGetFeature            = modhid.NewProc("HidD_GetFeature")
)

type spDevinfoData struct {
	cbSize    uint32
	classGUID windows.GUID
	devInst   uint32
	reserved  uintptr
}

type spDeviceInterfaceData struct {
	cbSize             uint32
	interfaceClassGUID windows.GUID
	flags              uint32
	reserved           uintptr
}

type hiddAttributes struct {
	size          uint32
	vendorID      uint16
	productID     uint16
	versionNumber uint16
}

type hidpCaps struct {
	usage                     uint16
	usagePage                 uint16
	inputReportByteLength     uint16
	outputReportByteLength    uint16
	featureReportByteLength   uint16
	reserved                  [17]uint16
	numberLinkCollectionNodes uint16
	numberInputButtonCaps     uint16
	numberInputValueCaps      uint16
	numberInputDataIndices    uint16
	numberOutputButtonCaps    uint16
	numberOutputValueCaps     uint16
	numberOutputDataIndices   uint16
	numberFeatureButtonCaps   uint16
	numberFeatureValueCaps    uint16
	numberFeatureDataIndices  uint16
}

func setupDiGetClassDevs(classGUID *windows.GUID, flags uint32) (windows.Handle, error) {
	r0, _, e1 := syscall.SyscallN(procSetupDiGetClassDevsW.Addr(),
		uintptr(unsafe.Pointer(classGUID)), 0, 0, uintptr(flags))
	handle := windows.Handle(r0)
	if handle == windows.InvalidHandle {
		return handle, e1
	}
	return handle, nil
}

func setupDiEnumDeviceInterfaces(devInfoSet windows.Handle, classGUID *windows.GUID,
	index uint32, ifaceData *spDeviceInterfaceData) error {
	r0, _, e1 := syscall.SyscallN(procSetupDiEnumDeviceInterfaces.Addr(),
		uintptr(devInfoSet), 0, uintptr(unsafe.Pointer(classGUID)),
		uintptr(index), uintptr(unsafe.Pointer(ifaceData)))
	if r0 == 0 {
		return e1
	}
	return nil
}

func setupDiGetDeviceInterfaceDetail(devInfoSet windows.Handle, ifaceData *spDeviceInterfaceData,
	detail unsafe.Pointer, detailSize uint32, required *uint32, devInfoData *spDevinfoData) error {
	r0, _, e1 := syscall.SyscallN(procSetupDiGetDeviceInterfaceDetailW.Addr(),
		uintptr(devInfoSet), uintptr(unsafe.Pointer(ifaceData)),
		uintptr(detail), uintptr(detailSize),
		uintptr(unsafe.Pointer(required)), uintptr(unsafe.Pointer(devInfoData)))
	if r0 == 0 {
		return e1
	}
	return nil
}

func setupDiDestroyDeviceInfoList(devInfoSet windows.Handle) {
	syscall.SyscallN(procSetupDiDestroyDeviceInfoList.Addr(), uintptr(devInfoSet))
}

func cmGetParent(devInst uint32) (uint32, bool) {
	var parent uint32
	r0, _, _ := syscall.SyscallN(procCMGetParent.Addr(),
		uintptr(unsafe.Pointer(&parent)), uintptr(devInst), 0)
	return parent, r0 == crSuccess
}

func cmGetDeviceID(devInst uint32) (string, bool) {
	var buf [512]uint16
	r0, _, _ := syscall.SyscallN(procCMGetDeviceIDW.Addr(),
		uintptr(devInst), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0)
	if r0 != crSuccess {
		return "", false
	}
	return windows.UTF16ToString(buf[:]), true
}

func cmGetDevNodeRegistryProperty(devInst, property uint32) (string, bool) {
	var buf [512]uint16
	size := uint32(len(buf) * 2)
	r0, _, _ := syscall.SyscallN(procCMGetDevNodeRegistryProp.Addr(),
		uintptr(devInst), uintptr(property), 0,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)), 0)
	if r0 != crSuccess {
		return "", false
	}
	return windows.UTF16ToString(buf[:]), true
}

func hidGUID() windows.GUID {
	var guid windows.GUID
	syscall.SyscallN(procHidDGetHidGuid.Addr(), uintptr(unsafe.Pointer(&guid)))
	return guid
}

func hidGetAttributes(h windows.Handle) (hiddAttributes, bool) {
	attrs := hiddAttributes{size: uint32(unsafe.Sizeof(hiddAttributes{}))}
	r0, _, _ := syscall.SyscallN(procHidDGetAttributes.Addr(),
		uintptr(h), uintptr(unsafe.Pointer(&attrs)))
	return attrs, r0 != 0
}

func hidGetSerialNumber(h windows.Handle) string {
	var buf [256]uint16
	r0, _, _ := syscall.SyscallN(procHidDGetSerialNumberString.Addr(),
		uintptr(h), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)*2))
	if r0 == 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:])
}

func hidGetCaps(h windows.Handle) (hidpCaps, bool) {
	var preparsed uintptr
	r0, _, _ := syscall.SyscallN(procHidDGetPreparsedData.Addr(),
		uintptr(h), uintptr(unsafe.Pointer(&preparsed)))
	if r0 == 0 {
		return hidpCaps{}, false
	}
	defer syscall.SyscallN(procHidDFreePreparsedData.Addr(), preparsed)

	var caps hidpCaps
	r0, _, _ = syscall.SyscallN(procHidPGetCaps.Addr(),
		preparsed, uintptr(unsafe.Pointer(&caps)))
	const hidpStatusSuccess = 0x00110000
	return caps, r0 == hidpStatusSuccess
}

func hidSetFeature(h windows.Handle, buf []byte) bool {
	r0, _, _ := syscall.SyscallN(procHidDSetFeature.Addr(),
		uintptr(h), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	return r0 != 0
}

func hidGetFeature(h windows.Handle, buf []byte) bool {
	r0, _, _ := syscall.SyscallN(procHidDGetFeature.Addr(),
		uintptr(h), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	return r0 != 0
}
