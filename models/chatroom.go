package models

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RoomKind 區分專案聊天室與一般聊天室，建立後不可變更
type RoomKind string

const (
	RoomKindProject RoomKind = "project" // 專案佈建時建立
	RoomKindGeneric RoomKind = "generic" // 一般或一對一對話
)

// ChatRoom 代表一個聊天室的元資料
type ChatRoom struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	Name           string             `bson:"name" json:"name"`
	Kind           RoomKind           `bson:"kind" json:"kind"`
	ProjectRef     string             `bson:"projectRef,omitempty" json:"projectRef,omitempty"`
	Participants   []string           `bson:"participants" json:"participants"` // 不重複
	CreatedAt      time.Time          `bson:"createdAt" json:"createdAt"`
	LastActivityAt time.Time          `bson:"lastActivityAt" json:"lastActivityAt"`
}

// HasParticipant 檢查 identity 是否為目前的參與者
func (r *ChatRoom) HasParticipant(identity string) bool {
	return slices.Contains(r.Participants, identity)
}

// NewRoom 是建立聊天室時的輸入
type NewRoom struct {
	Name         string
	Kind         RoomKind
	ProjectRef   string
	Participants []string
}

// Validate 檢查輸入並回傳正規化（排序去重）後的參與者列表
func (n NewRoom) Validate() ([]string, error) {
	switch n.Kind {
	case RoomKindProject:
		if n.ProjectRef == "" {
			return nil, fmt.Errorf("%w: project room requires a project reference", ErrValidation)
		}
	case RoomKindGeneric:
	default:
		return nil, fmt.Errorf("%w: unknown room kind %q", ErrValidation, n.Kind)
	}
	if n.Name == "" {
		return nil, fmt.Errorf("%w: room name is required", ErrValidation)
	}
	participants := NormalizeParticipants(n.Participants)
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: at least one participant is required", ErrValidation)
	}
	return participants, nil
}

// NormalizeParticipants 去除空字串與重複項目並排序，保持參與者列表有序
func NormalizeParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
