package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/rtlstream/errors"
)

func sampleMessages() []Message {
	return []Message{
		Heartbeat{ID: 1_700_000_000_123, SentAt: 1_700_000_000_123},
		Request{Kind: KindBeginStream, ReqID: "r-1", Params: []Param{{ID: "tag-1", Data: true}, {ID: "tag-2"}}, ZoneID: 417},
		Request{Kind: KindEndStream, ReqID: "r-2"},
		Response{Kind: KindAddTag, ReqID: "r-3"},
		Response{Kind: KindBeginStream, ReqID: "r-4", Msg: "no subjects <given> & rejected"},
		GISData{
			ID: "tag-1", Kind: "Tag", Timestamp: 1_700_000_000_500,
			X: 12.5, Y: -3.25, Z: 0.1, Battery: 87, CNF: 0.95,
			GatewayID: "gw-7", Sequence: 42, ZoneID: 417, Data: "a1b2c3",
		},
		GISData{ID: "tag-2", X: 1, Y: 2, Z: 3},
		PortRedirect{Port: 8002, Zone: 417},
		TriggerEvent{TriggerID: 9, TriggerName: "dock", ZoneID: 417, Direction: "on_enter", SubjectID: "tag-1", X: 1.5, Y: 2.5, Z: 3, Timestamp: 99},
		Warning{Reason: "rate limit exceeded"},
		EndStream{Reason: "heartbeat timeout"},
	}
}

func TestCodecs_RoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, XMLCodec{}} {
		for _, m := range sampleMessages() {
			t.Run(codec.Name()+"/"+m.Type(), func(t *testing.T) {
				b, err := codec.Encode(m)
				require.NoError(t, err)

				got, err := codec.Decode(b)
				require.NoError(t, err)
				assert.Equal(t, m, got)
			})
		}
	}
}

func TestJSONCodec_WireShape(t *testing.T) {
	b, err := JSONCodec{}.Encode(Heartbeat{ID: 5, SentAt: 6})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"HeartBeat","heartbeat_id":5,"ts":6}`, string(b))

	b, err = JSONCodec{}.Encode(Response{Kind: KindBeginStream, ReqID: "q"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"response","request":"BeginStream","reqid":"q","msg":""}`, string(b))
}

func TestJSONCodec_DecodeMissAndUnknown(t *testing.T) {
	codec := JSONCodec{}

	tests := []struct {
		name  string
		frame string
		miss  bool
	}{
		{"xml frame", `<?xml version="1.0"?><rtls/>`, true},
		{"empty", "   ", true},
		{"truncated object", `{"type":"HeartBeat"`, true},
		{"array", `[1,2]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.Equal(t, tt.miss, errors.Is(err, errors.ErrDecodeMiss))
		})
	}

	m, err := codec.Decode([]byte(`{"type":"Teleport","x":1}`))
	require.NoError(t, err)
	assert.Equal(t, Unknown{Kind: "Teleport"}, m)

	_, err = codec.Decode([]byte(`{"type":"GISData","X":"not a number"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProtocol)
	assert.False(t, errors.Is(err, errors.ErrDecodeMiss))
}

func TestJSONCodec_SubjectTypeKeptApartFromEnvelopeType(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"subject type first", `{"ID":"T1","Type":"uwb","TS":5,"X":1,"Y":2,"Z":3,"type":"GISData"}`, "uwb"},
		{"envelope type first", `{"type":"GISData","ID":"T1","Type":"uwb","TS":5,"X":1,"Y":2,"Z":3}`, "uwb"},
		{"subject type missing", `{"ID":"T1","TS":5,"type":"GISData"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := JSONCodec{}.Decode([]byte(tt.frame))
			require.NoError(t, err)
			g, ok := m.(GISData)
			require.True(t, ok, "decoded %T", m)
			assert.Equal(t, "T1", g.ID)
			assert.Equal(t, tt.want, g.Kind)
		})
	}
}

func TestXMLCodec_ImplicitGISData(t *testing.T) {
	frame := Prologue + `<rtls><gis><id>t9</id><ts>10</ts><x>1</x><y>2</y><z>3</z><bat>50</bat><cnf>0.5</cnf><gwid>g1</gwid></gis><data>ff</data></rtls>`

	m, err := XMLCodec{}.Decode([]byte(frame))
	require.NoError(t, err)
	g, ok := m.(GISData)
	require.True(t, ok, "got %T", m)
	assert.Equal(t, "t9", g.ID)
	assert.Equal(t, "ff", g.Data)
	assert.Equal(t, 50, g.Battery)
}

func TestXMLCodec_Errors(t *testing.T) {
	_, err := XMLCodec{}.Decode([]byte(`{"type":"HeartBeat"}`))
	assert.ErrorIs(t, err, errors.ErrDecodeMiss)

	_, err = XMLCodec{}.Decode([]byte(`<rtls><type>HeartBeat</type><id>abc</id></rtls>`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProtocol)
	assert.True(t, errors.IsInvalid(err))

	m, err := XMLCodec{}.Decode([]byte(`<rtls><type>Mystery</type></rtls>`))
	require.NoError(t, err)
	assert.Equal(t, Unknown{Kind: "Mystery"}, m)
}

func TestXMLCodec_EscapesText(t *testing.T) {
	b, err := XMLCodec{}.Encode(Warning{Reason: "</rtls> injected"})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), EndMarker))
}

func TestCodecFor(t *testing.T) {
	assert.Equal(t, "XMLCodec", CodecFor(FormatXML).Name())
	assert.Equal(t, "JSONCodec", CodecFor(FormatJSON).Name())
	assert.Equal(t, "xml", FormatXML.String())
}

func TestRequest_Helpers(t *testing.T) {
	r := Request{Kind: KindAddTag, Params: []Param{{ID: "a"}, {ID: "b"}}}
	assert.Equal(t, []string{"a", "b"}, r.SubjectIDs())
	assert.True(t, r.Kind.Valid())
	assert.False(t, RequestKind("Dance").Valid())
	assert.True(t, Response{}.OK())
	assert.False(t, Response{Msg: "nope"}.OK())
	assert.Empty(t, GISData{Data: "x"}.WithoutData().Data)
}
