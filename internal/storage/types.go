package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	Username     string `msgpack:"username"`
	DisplayName  string `msgpack:"displayName"`
	PasswordHash string `msgpack:"passwordHash"`
	Online       bool   `msgpack:"online"`
	LastSeen     int64  `msgpack:"lastSeen"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBRoom struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	CreatedBy string `msgpack:"createdBy"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBMember struct {
	RoomID   string `msgpack:"roomId"`
	UserID   string `msgpack:"userId"`
	JoinedAt int64  `msgpack:"joinedAt"`
}

func (m *DBMember) Key() []byte {
	return []byte(m.UserID)
}

func (m *DBMember) MarshalBinary() (data []byte, err error) {
	type alias DBMember
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMember) UnmarshalBinary(data []byte) error {
	type alias DBMember
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBMessage struct {
	ID         string `msgpack:"id"`
	Seq        int64  `msgpack:"seq"`
	SenderID   string `msgpack:"senderId"`
	SenderName string `msgpack:"senderName"`
	RoomID     string `msgpack:"roomId"`
	ReceiverID string `msgpack:"receiverId"`
	Content    string `msgpack:"content"`
	Type       string `msgpack:"messageType"`
	FileURL    string `msgpack:"fileUrl"`
	CreatedAt  int64  `msgpack:"createdAt"`
}

func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message by conversation and sequence; stored in
// the id index bucket so messages can be fetched by their public ID.
type DBMessageRef struct {
	ID      string `msgpack:"id"`
	ConvKey string `msgpack:"convKey"`
	Seq     int64  `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.ID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}
