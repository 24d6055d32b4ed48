package dmp

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ImageUploadReq defines the image-upload write record. Len and SHA are only
// present in the first chunk of an upload.
type ImageUploadReq struct {
	Off  uint32 `cbor:"off"`
	Data []byte `cbor:"data"`
	Len  uint32 `cbor:"len,omitempty"`
	SHA  []byte `cbor:"sha,omitempty"`
}

// ImageUploadRsp defines the image-upload write response record.
type ImageUploadRsp struct {
	RC  int    `cbor:"rc"`
	Off uint32 `cbor:"off"`
}

// MarshalImageUploadReq encodes the given record behind a write-request
// header carrying the given sequence.
func MarshalImageUploadReq(seq uint8, req ImageUploadReq) ([]byte, error) {
	body, err := cbor.Marshal(req)
	if err != nil {
		return nil, err
	}

	h := Header{
		Op:        OpWriteRequest,
		Length:    uint16(len(body)),
		GroupID:   GroupImageManagement,
		Sequence:  seq,
		CommandID: CmdImageUpload,
	}

	b, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return append(b, body...), nil
}

// UnmarshalImageUploadReq decodes the record behind an upload-write header.
func UnmarshalImageUploadReq(body []byte) (ImageUploadReq, error) {
	var req ImageUploadReq
	if err := cbor.Unmarshal(body, &req); err != nil {
		return req, err
	}
	return req, nil
}

// MarshalImageUploadRsp encodes a write response acknowledging the given
// offset, behind a header carrying the given sequence.
func MarshalImageUploadRsp(seq uint8, off uint32) ([]byte, error) {
	body, err := cbor.Marshal(ImageUploadRsp{Off: off})
	if err != nil {
		return nil, err
	}

	h := Header{
		Op:        OpWriteResponse,
		Length:    uint16(len(body)),
		GroupID:   GroupImageManagement,
		Sequence:  seq,
		CommandID: CmdImageUpload,
	}

	b, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return append(b, body...), nil
}

// UnmarshalImageUploadRsp decodes a full upload-write response message,
// header included.
func UnmarshalImageUploadRsp(data []byte) (Header, ImageUploadRsp, error) {
	var h Header
	var rsp ImageUploadRsp

	if err := h.UnmarshalBinary(data); err != nil {
		return h, rsp, err
	}
	if h.GroupID != GroupImageManagement || h.CommandID != CmdImageUpload {
		return h, rsp, fmt.Errorf("dmp: not an image-upload response (group %d, command %d)", h.GroupID, h.CommandID)
	}
	if err := cbor.Unmarshal(data[HeaderSize:], &rsp); err != nil {
		return h, rsp, err
	}

	return h, rsp, nil
}
