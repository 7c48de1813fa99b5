package chat_test

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ekintkara/njback/internal/domain/chat"
)

func TestPairKeyCanonical(t *testing.T) {
	t.Parallel()

	a, err := primitive.ObjectIDFromHex("64a000000000000000000001")
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	b, err := primitive.ObjectIDFromHex("64a000000000000000000002")
	if err != nil {
		t.Fatalf("parse b: %v", err)
	}

	forward := chat.PairKey(a, b)
	backward := chat.PairKey(b, a)
	if forward != backward {
		t.Fatalf("PairKey order-dependent: %q vs %q", forward, backward)
	}

	want := "64a000000000000000000001:64a000000000000000000002"
	if forward != want {
		t.Fatalf("PairKey(a, b) = %q, want %q", forward, want)
	}
}

func TestHasParticipant(t *testing.T) {
	t.Parallel()

	a := primitive.NewObjectID()
	b := primitive.NewObjectID()
	stranger := primitive.NewObjectID()

	conv := &chat.Conversation{Participants: []primitive.ObjectID{a, b}}

	cases := []struct {
		name string
		id   primitive.ObjectID
		want bool
	}{
		{name: "first", id: a, want: true},
		{name: "second", id: b, want: true},
		{name: "stranger", id: stranger, want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := conv.HasParticipant(tc.id); got != tc.want {
				t.Fatalf("HasParticipant(%s) = %v, want %v", tc.id.Hex(), got, tc.want)
			}
		})
	}
}

func TestConversationCloneIndependence(t *testing.T) {
	t.Parallel()

	a := primitive.NewObjectID()
	b := primitive.NewObjectID()
	orig := &chat.Conversation{
		ID:              primitive.NewObjectID(),
		Participants:    []primitive.ObjectID{a, b},
		ParticipantsKey: chat.PairKey(a, b),
		LastMessage:     &chat.LastMessage{Content: "selam", SenderID: a},
	}

	clone := orig.Clone()
	clone.Participants[0] = primitive.NewObjectID()
	clone.LastMessage.Content = "changed"

	if orig.Participants[0] != a {
		t.Fatal("Clone() shares participants slice with original")
	}
	if orig.LastMessage.Content != "selam" {
		t.Fatal("Clone() shares last message with original")
	}
}
