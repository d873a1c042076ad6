package commandset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCStoreRQRoundTrip(t *testing.T) {
	assert := assert.New(t)

	rq := &Message{
		CommandField:           CStoreRQ,
		MessageID:              7,
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		AffectedSOPInstanceUID: "1.2.3.4.5",
		Priority:               0,
		CommandDataSetType:     DataSetTypeNonNull,
	}

	decoded, err := Decode(rq.Encode())
	assert.NoError(err)
	assert.Equal(CStoreRQ, decoded.CommandField)
	assert.Equal(uint16(7), decoded.MessageID)
	assert.Equal("1.2.840.10008.5.1.4.1.1.2", decoded.AffectedSOPClassUID)
	assert.Equal("1.2.3.4.5", decoded.AffectedSOPInstanceUID)
	assert.True(decoded.HasDataSet())
	assert.False(decoded.IsResponse())
}

func TestCStoreRSPRoundTrip(t *testing.T) {
	assert := assert.New(t)

	rsp := &Message{
		CommandField:              CStoreRSP,
		MessageIDBeingRespondedTo: 7,
		AffectedSOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		AffectedSOPInstanceUID:    "1.2.3.4.5",
		CommandDataSetType:        DataSetTypeNull,
		Status:                    StatusOutOfResources,
	}

	decoded, err := Decode(rsp.Encode())
	assert.NoError(err)
	assert.Equal(CStoreRSP, decoded.CommandField)
	assert.Equal(uint16(7), decoded.MessageIDBeingRespondedTo)
	assert.Equal(StatusOutOfResources, decoded.Status)
	assert.False(decoded.HasDataSet())
	assert.True(decoded.IsResponse())
}

func TestCEchoRoundTrip(t *testing.T) {
	assert := assert.New(t)

	rq := &Message{
		CommandField:        CEchoRQ,
		MessageID:           1,
		AffectedSOPClassUID: "1.2.840.10008.1.1",
		CommandDataSetType:  DataSetTypeNull,
	}
	decoded, err := Decode(rq.Encode())
	assert.NoError(err)
	assert.Equal(CEchoRQ, decoded.CommandField)
	assert.Equal("1.2.840.10008.1.1", decoded.AffectedSOPClassUID)
	assert.False(decoded.HasDataSet())

	rsp := &Message{
		CommandField:              CEchoRSP,
		MessageIDBeingRespondedTo: 1,
		AffectedSOPClassUID:       "1.2.840.10008.1.1",
		CommandDataSetType:        DataSetTypeNull,
		Status:                    StatusSuccess,
	}
	decoded, err = Decode(rsp.Encode())
	assert.NoError(err)
	assert.Equal(StatusSuccess, decoded.Status)
	assert.Equal(uint16(1), decoded.MessageIDBeingRespondedTo)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x00, 0x00})
	assert.Error(t, err)

	// Header promising more bytes than present.
	_, err = Decode([]byte{0x00, 0x00, 0x00, 0x01, 0xff, 0x00, 0x00, 0x00})
	assert.Error(t, err)
}

func TestUIDValuesArePaddedEven(t *testing.T) {
	rq := &Message{
		CommandField:           CStoreRQ,
		MessageID:              1,
		AffectedSOPClassUID:    "1.2.3", // odd length
		AffectedSOPInstanceUID: "1.2.34",
		CommandDataSetType:     DataSetTypeNonNull,
	}
	encoded := rq.Encode()
	assert.Equal(t, 0, len(encoded)%2)

	decoded, err := Decode(encoded)
	assert.NoError(t, err)
	assert.Equal(t, "1.2.3", decoded.AffectedSOPClassUID)
	assert.Equal(t, "1.2.34", decoded.AffectedSOPInstanceUID)
}
