package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers       = []byte("users")
	bucketUsersByName = []byte("users_by_name")
	bucketRooms       = []byte("rooms")
	bucketRoomMembers = []byte("room_members")
	bucketMessages    = []byte("messages")
	bucketMessageIDs  = []byte("message_ids")
	bucketPushSubs    = []byte("push_subs")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketUsersByName,
			bucketRooms,
			bucketRoomMembers,
			bucketMessages,
			bucketMessageIDs,
			bucketPushSubs,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertUser stores a new or updated user record.
func (s *BboltStorage) UpsertUser(user models.User, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:           user.ID,
			Username:     user.Username,
			DisplayName:  user.DisplayName,
			PasswordHash: passwordHash,
			Online:       user.Online,
			LastSeen:     user.LastSeen,
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbUser.Key(), data); err != nil {
			return err
		}
		return tx.Bucket(bucketUsersByName).Put([]byte(user.Username), []byte(user.ID))
	})
}

// GetUser returns the user record for the given ID.
func (s *BboltStorage) GetUser(userID string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = models.User{
			ID:          dbUser.ID,
			Username:    dbUser.Username,
			DisplayName: dbUser.DisplayName,
			Online:      dbUser.Online,
			LastSeen:    dbUser.LastSeen,
		}
		return nil
	})
	return user, err
}

// GetUserByName returns the user record for the given username.
func (s *BboltStorage) GetUserByName(username string) (models.User, error) {
	var userID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsersByName).Get([]byte(username))
		if id == nil {
			return models.ErrNotFound
		}
		userID = string(id)
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return s.GetUser(userID)
}

// SetOnlineStatus updates the durable online flag and last-seen time.
// Best effort from the caller's perspective: the live presence registry
// stays authoritative for real-time state regardless of this flag.
func (s *BboltStorage) SetOnlineStatus(userID string, online bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		dbUser.Online = online
		dbUser.LastSeen = s.now().Unix()
		updated, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), updated)
	})
}

// UpsertRoom stores a new or updated room record.
func (s *BboltStorage) UpsertRoom(room models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		dbRoom := &DBRoom{
			ID:        room.ID,
			Name:      room.Name,
			CreatedBy: room.CreatedBy,
			CreatedAt: room.CreatedAt,
		}
		data, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbRoom.Key(), data)
	})
}

// GetRoom returns the room record for the given ID.
func (s *BboltStorage) GetRoom(roomID string) (models.Room, error) {
	var room models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(roomID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(data); err != nil {
			return err
		}
		room = models.Room{
			ID:        dbRoom.ID,
			Name:      dbRoom.Name,
			CreatedBy: dbRoom.CreatedBy,
			CreatedAt: dbRoom.CreatedAt,
		}
		return nil
	})
	return room, err
}

// AddMember records a durable membership fact for (userID, roomID).
func (s *BboltStorage) AddMember(roomID, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketRooms).Get([]byte(roomID)) == nil {
			return models.ErrNotFound
		}
		roomBucket, err := tx.Bucket(bucketRoomMembers).CreateBucketIfNotExists([]byte(roomID))
		if err != nil {
			return fmt.Errorf("failed to create member bucket: %w", err)
		}
		member := &DBMember{
			RoomID:   roomID,
			UserID:   userID,
			JoinedAt: s.now().Unix(),
		}
		data, err := member.MarshalBinary()
		if err != nil {
			return err
		}
		return roomBucket.Put(member.Key(), data)
	})
}

// IsMember answers whether a membership fact exists for (userID, roomID).
// Callers re-check on every room-scoped action; the result is never cached.
func (s *BboltStorage) IsMember(userID, roomID string) (bool, error) {
	var member bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketRoomMembers).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil
		}
		member = roomBucket.Get([]byte(userID)) != nil
		return nil
	})
	return member, err
}

// ListRoomsForUser returns every room the user is a durable member of.
func (s *BboltStorage) ListRoomsForUser(userID string) ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		members := tx.Bucket(bucketRoomMembers)
		roomsBucket := tx.Bucket(bucketRooms)
		return members.ForEachBucket(func(roomID []byte) error {
			if members.Bucket(roomID).Get([]byte(userID)) == nil {
				return nil
			}
			data := roomsBucket.Get(roomID)
			if data == nil {
				return nil
			}
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(data); err != nil {
				return err
			}
			rooms = append(rooms, models.Room{
				ID:        dbRoom.ID,
				Name:      dbRoom.Name,
				CreatedBy: dbRoom.CreatedBy,
				CreatedAt: dbRoom.CreatedAt,
			})
			return nil
		})
	})
	return rooms, err
}

// SaveMessage persists a message, assigning its ID, sequence number and
// creation timestamp, and returns the stored record. Exactly one of RoomID
// and ReceiverID must be set.
func (s *BboltStorage) SaveMessage(msg models.Message) (models.Message, error) {
	if (msg.RoomID == "") == (msg.ReceiverID == "") {
		return models.Message{}, errors.New("message must have exactly one of roomID and receiverID")
	}

	convKey := models.PairKey(msg.SenderID, msg.ReceiverID)
	if msg.RoomID != "" {
		convKey = models.RoomKey(msg.RoomID)
	}

	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now().Unix()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(convKey))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := convBucket.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = int64(seq)

		dbMessage := DBMessage{
			ID:         msg.ID,
			Seq:        msg.Seq,
			SenderID:   msg.SenderID,
			SenderName: msg.SenderName,
			RoomID:     msg.RoomID,
			ReceiverID: msg.ReceiverID,
			Content:    msg.Content,
			Type:       string(msg.Type),
			FileURL:    msg.FileURL,
			CreatedAt:  msg.CreatedAt,
		}

		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{ID: msg.ID, ConvKey: convKey, Seq: msg.Seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessageIDs).Put(ref.Key(), refData)
	})
	if err != nil {
		return models.Message{}, err
	}

	return msg, nil
}

// FetchMessage returns the message with the given public ID.
func (s *BboltStorage) FetchMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		refData := tx.Bucket(bucketMessageIDs).Get([]byte(id))
		if refData == nil {
			return models.ErrNotFound
		}
		var ref DBMessageRef
		if err := ref.UnmarshalBinary(refData); err != nil {
			return err
		}

		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConvKey))
		if convBucket == nil {
			return models.ErrNotFound
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(ref.Seq))
		data := convBucket.Get(key)
		if data == nil {
			return models.ErrNotFound
		}

		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(data); err != nil {
			return err
		}
		msg = toModelMessage(dbMsg)
		return nil
	})
	return msg, err
}

// ListMessages returns up to limit most recent messages for a conversation
// key, oldest first.
func (s *BboltStorage) ListMessages(convKey string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(convKey))
		if convBucket == nil {
			return nil // No messages for this conversation
		}

		c := convBucket.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(messages) < limit); k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, toModelMessage(dbMsg))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cursor walked newest to oldest.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// UpsertPushSubscription stores a user's raw web-push subscription JSON.
func (s *BboltStorage) UpsertPushSubscription(userID string, sub []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubs).Put([]byte(userID), sub)
	})
}

// GetPushSubscription returns a user's stored web-push subscription JSON.
func (s *BboltStorage) GetPushSubscription(userID string) ([]byte, error) {
	var sub []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPushSubs).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		sub = append(sub, data...)
		return nil
	})
	return sub, err
}

func toModelMessage(dbMsg DBMessage) models.Message {
	return models.Message{
		ID:         dbMsg.ID,
		Seq:        dbMsg.Seq,
		SenderID:   dbMsg.SenderID,
		SenderName: dbMsg.SenderName,
		RoomID:     dbMsg.RoomID,
		ReceiverID: dbMsg.ReceiverID,
		Content:    dbMsg.Content,
		Type:       models.MessageType(dbMsg.Type),
		FileURL:    dbMsg.FileURL,
		CreatedAt:  dbMsg.CreatedAt,
	}
}
