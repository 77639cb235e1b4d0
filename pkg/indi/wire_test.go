package indi

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumber(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{name: "decimal", input: " 1.5 ", want: 1.5},
		{name: "exponent", input: "1e-3", want: 0.001},
		{name: "sexagesimal colon", input: "12:30:36", want: 12.51},
		{name: "sexagesimal space", input: "12 30", want: 12.5},
		{name: "sexagesimal semicolon", input: "1;30", want: 1.5},
		{name: "negative sexagesimal", input: "-10:30", want: -10.5},
		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "abc", wantErr: true},
		{name: "too many fields", input: "1:2:3:4", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNumber(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSplitTag(t *testing.T) {
	op, kind := splitTag("setBLOBVector")
	assert.Equal(t, "set", op)
	assert.Equal(t, KindBLOB, kind)

	op, kind = splitTag("defSwitchVector")
	assert.Equal(t, "def", op)
	assert.Equal(t, KindSwitch, kind)

	_, kind = splitTag("message")
	assert.Equal(t, KindUnknown, kind)
}

func TestDecodeBLOB(t *testing.T) {
	payload := []byte("SIMPLE  =                    T")

	t.Run("plain with line breaks", func(t *testing.T) {
		enc := base64.StdEncoding.EncodeToString(payload)
		wrapped := enc[:10] + "\n" + enc[10:] + "\n"

		data, format, err := decodeBLOB(wrapped, ".fits")
		require.NoError(t, err)
		assert.Equal(t, payload, data)
		assert.Equal(t, ".fits", format)
	})

	t.Run("zlib compressed", func(t *testing.T) {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, err := zw.Write(payload)
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		data, format, err := decodeBLOB(base64.StdEncoding.EncodeToString(buf.Bytes()), ".fits.z")
		require.NoError(t, err)
		assert.Equal(t, payload, data)
		assert.Equal(t, ".fits", format)
	})

	t.Run("empty", func(t *testing.T) {
		data, _, err := decodeBLOB("  \n", ".fits")
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, _, err := decodeBLOB("!!!", ".fits")
		assert.Error(t, err)
	})
}

func TestEncodeNew(t *testing.T) {
	p := &Property{
		Device: "CCD Simulator",
		Name:   "CCD_CAPTURE_FORMAT",
		Kind:   KindSwitch,
		Elements: []Element{
			{Name: "INDI_RGB", Switch: SwitchOff},
			{Name: "INDI_RAW", Switch: SwitchOn},
		},
	}

	data, err := encodeNew(p)
	require.NoError(t, err)

	var decoded struct {
		XMLName xml.Name
		Device  string `xml:"device,attr"`
		Name    string `xml:"name,attr"`
		Items   []struct {
			XMLName xml.Name
			Name    string `xml:"name,attr"`
			Value   string `xml:",chardata"`
		} `xml:",any"`
	}
	require.NoError(t, xml.Unmarshal(data, &decoded))

	assert.Equal(t, "newSwitchVector", decoded.XMLName.Local)
	assert.Equal(t, "CCD Simulator", decoded.Device)
	assert.Equal(t, "CCD_CAPTURE_FORMAT", decoded.Name)
	require.Len(t, decoded.Items, 2)
	assert.Equal(t, "oneSwitch", decoded.Items[0].XMLName.Local)
	assert.Equal(t, "INDI_RGB", decoded.Items[0].Name)
	assert.Equal(t, "Off", decoded.Items[0].Value)
	assert.Equal(t, "On", decoded.Items[1].Value)
}

func TestEncodeNewRejectsReadOnlyKinds(t *testing.T) {
	_, err := encodeNew(&Property{Name: "CCD1", Kind: KindBLOB})
	assert.Error(t, err)

	_, err = encodeNew(&Property{Name: "CCD_STATUS", Kind: KindLight})
	assert.Error(t, err)
}

func TestUpdatePropertyDoesNotMutateOriginal(t *testing.T) {
	original := &Property{
		Device:   "cam",
		Name:     "CCD_EXPOSURE",
		Kind:     KindNumber,
		State:    StateIdle,
		Elements: []Element{{Name: "CCD_EXPOSURE_VALUE", Value: 1}},
	}
	update := &vectorXML{
		Device: "cam",
		Name:   "CCD_EXPOSURE",
		State:  "Busy",
		Elements: []elementXML{
			{XMLName: xml.Name{Local: "oneNumber"}, Name: "CCD_EXPOSURE_VALUE", Value: "0.5"},
			{XMLName: xml.Name{Local: "oneNumber"}, Name: "UNKNOWN", Value: "7"},
		},
	}

	next, err := updateProperty(original, update)
	require.NoError(t, err)

	assert.Equal(t, StateBusy, next.State)
	assert.InDelta(t, 0.5, next.Elements[0].Value, 1e-9)
	assert.Equal(t, StateIdle, original.State)
	assert.InDelta(t, 1.0, original.Elements[0].Value, 1e-9)
}

func TestUpdatePropertyMalformedBLOB(t *testing.T) {
	original := &Property{
		Device:   "cam",
		Name:     "CCD1",
		Kind:     KindBLOB,
		Elements: []Element{{Name: "CCD1", Data: []byte("previous frame"), Size: 14, BLOBFormat: ".fits"}},
	}
	update := &vectorXML{
		Device: "cam",
		Name:   "CCD1",
		State:  "Ok",
		Elements: []elementXML{
			{XMLName: xml.Name{Local: "oneBLOB"}, Name: "CCD1", Format: ".fits", Value: "!!!not-base64!!!"},
		},
	}

	next, err := updateProperty(original, update)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedBLOB)
	require.NotNil(t, next, "malformed payloads still produce an update")

	assert.Equal(t, StateOk, next.State)
	assert.Empty(t, next.Elements[0].Data)
	assert.Zero(t, next.Elements[0].Size)
	assert.Equal(t, []byte("previous frame"), original.Elements[0].Data)
}

func TestPropertySwitchHelpers(t *testing.T) {
	p := &Property{
		Kind: KindSwitch,
		Elements: []Element{
			{Name: "A", Switch: SwitchOn},
			{Name: "B", Switch: SwitchOn},
		},
	}
	assert.Equal(t, []string{"A", "B"}, p.OnSwitches())

	p.ResetSwitches()
	assert.Empty(t, p.OnSwitches())
	assert.Nil(t, p.Element("C"))
}
