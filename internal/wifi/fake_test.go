package wifi

import (
	"context"
	"errors"
	"net"
	"time"
)

type fakeRadio struct {
	mac         net.HardwareAddr
	link        LinkInfo
	connects    int
	disconnects int
	connectErr  error
	scanStarts  int
	scanErr     error
	records     []AccessPoint
	recordsErr  error
	softAP      string
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{mac: net.HardwareAddr{0x24, 0x6f, 0x28, 0xa1, 0xb2, 0xc3}}
}

func (f *fakeRadio) MAC() net.HardwareAddr { return f.mac }

func (f *fakeRadio) Connect(_, _ string) error {
	f.connects++
	return f.connectErr
}

func (f *fakeRadio) Disconnect() error {
	f.disconnects++
	return nil
}

func (f *fakeRadio) Link() LinkInfo { return f.link }

func (f *fakeRadio) StartScan(time.Duration) error {
	f.scanStarts++
	return f.scanErr
}

func (f *fakeRadio) ScanResults(limit int) ([]AccessPoint, error) {
	if f.recordsErr != nil {
		return nil, f.recordsErr
	}
	if len(f.records) > limit {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func (f *fakeRadio) StartSoftAP(ssid string) error {
	if ssid == "" {
		return errors.New("empty ssid")
	}
	f.softAP = ssid
	return nil
}

type mapPrefs map[string]string

func (m mapPrefs) GetString(_ context.Context, ns, key, def string) (string, error) {
	if v, ok := m[ns+"/"+key]; ok {
		return v, nil
	}
	return def, nil
}
