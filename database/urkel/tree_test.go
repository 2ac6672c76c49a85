// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package urkel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Fantom-foundation/Urkel/common"
)

func openTestTree(t *testing.T, directory string) *Tree {
	t.Helper()
	tree, err := OpenTree(directory, Blake2bLiveConfig)
	if err != nil {
		t.Fatalf("failed to open tree: %v", err)
	}
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

// commitChanges applies the given upserts and removals in one transaction
// and returns the resulting root hash.
func commitChanges(t *testing.T, tree *Tree, upserts map[string]string, removals ...string) common.Hash {
	t.Helper()
	tx, err := tree.Begin()
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	for key, value := range upserts {
		if err := tx.Insert([]byte(key), []byte(value)); err != nil {
			t.Fatalf("failed to insert %s: %v", key, err)
		}
	}
	for _, key := range removals {
		if err := tx.Remove([]byte(key)); err != nil {
			t.Fatalf("failed to remove %s: %v", key, err)
		}
	}
	hash, err := tx.Commit()
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	return hash
}

func wantValue(t *testing.T, tree *Tree, key, want string) {
	t.Helper()
	value, found, err := tree.Get([]byte(key))
	if err != nil {
		t.Fatalf("failed to get %s: %v", key, err)
	}
	if !found {
		t.Errorf("key %s should be present", key)
		return
	}
	if string(value) != want {
		t.Errorf("unexpected value for %s, got %s, want %s", key, value, want)
	}
}

func wantAbsent(t *testing.T, tree *Tree, key string) {
	t.Helper()
	if _, found, err := tree.Get([]byte(key)); err != nil {
		t.Fatalf("failed to get %s: %v", key, err)
	} else if found {
		t.Errorf("key %s should be absent", key)
	}
}

func TestOpenTree_AFreshTreeIsEmpty(t *testing.T) {
	tree := openTestTree(t, t.TempDir())
	hash, err := tree.RootHash()
	if err != nil {
		t.Fatalf("failed to get root hash: %v", err)
	}
	if hash != (common.Hash{}) {
		t.Errorf("an empty tree should be summarized by the zero hash, got %v", hash)
	}
	wantAbsent(t, tree, "anything")
}

func TestOpenTree_CreatesMissingDirectories(t *testing.T) {
	directory := filepath.Join(t.TempDir(), "nested", "tree")
	tree := openTestTree(t, directory)
	commitChanges(t, tree, map[string]string{"key": "value"})
	wantValue(t, tree, "key", "value")
}

func TestOpenTree_DirectoryIsLockedForExclusiveUse(t *testing.T) {
	directory := t.TempDir()
	tree, err := OpenTree(directory, Blake2bLiveConfig)
	if err != nil {
		t.Fatalf("failed to open tree: %v", err)
	}
	if _, err := OpenTree(directory, Blake2bLiveConfig); err == nil {
		t.Errorf("a second open of the same directory should fail")
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("failed to close tree: %v", err)
	}
	tree, err = OpenTree(directory, Blake2bLiveConfig)
	if err != nil {
		t.Fatalf("failed to reopen tree after close: %v", err)
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("failed to close reopened tree: %v", err)
	}
}

func TestTree_InsertedValuesCanBeRetrieved(t *testing.T) {
	tree := openTestTree(t, t.TempDir())
	commitChanges(t, tree, map[string]string{
		"apple":  "red",
		"banana": "yellow",
		"cherry": "dark red",
	})
	wantValue(t, tree, "apple", "red")
	wantValue(t, tree, "banana", "yellow")
	wantValue(t, tree, "cherry", "dark red")
	wantAbsent(t, tree, "plum")
}

func TestTree_CommittedStateSurvivesReopening(t *testing.T) {
	directory := t.TempDir()
	tree := openTestTree(t, directory)

	state := map[string]string{}
	for i := 0; i < 50; i++ {
		state[fmt.Sprintf("key-%d", i)] = fmt.Sprintf("value-%d", i)
	}
	commitChanges(t, tree, state)
	commitChanges(t, tree, map[string]string{"key-7": "updated"})
	state["key-7"] = "updated"
	before, err := tree.RootHash()
	if err != nil {
		t.Fatalf("failed to get root hash: %v", err)
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("failed to close tree: %v", err)
	}

	tree = openTestTree(t, directory)
	after, err := tree.RootHash()
	if err != nil {
		t.Fatalf("failed to get root hash: %v", err)
	}
	if after != before {
		t.Errorf("root hash changed across reopening, got %v, want %v", after, before)
	}
	for key, value := range state {
		wantValue(t, tree, key, value)
	}
	wantAbsent(t, tree, "key-50")
}

func TestTree_RootHashIsIndependentOfInsertionOrder(t *testing.T) {
	orders := [][]string{
		{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"},
		{"foxtrot", "echo", "delta", "charlie", "bravo", "alpha"},
		{"charlie", "alpha", "foxtrot", "delta", "echo", "bravo"},
	}
	hashes := make([]common.Hash, 0, len(orders))
	for _, order := range orders {
		tree := openTestTree(t, t.TempDir())
		for _, key := range order {
			commitChanges(t, tree, map[string]string{key: key + "-value"})
		}
		hash, err := tree.RootHash()
		if err != nil {
			t.Fatalf("failed to get root hash: %v", err)
		}
		hashes = append(hashes, hash)
	}
	for i := 1; i < len(hashes); i++ {
		if hashes[i] != hashes[0] {
			t.Errorf("insertion order %d produced a different root, got %v, want %v", i, hashes[i], hashes[0])
		}
	}
}

func TestTree_InsertFollowedByRemoveRestoresThePriorRootHash(t *testing.T) {
	tree := openTestTree(t, t.TempDir())
	before := commitChanges(t, tree, map[string]string{"a": "1", "b": "2", "c": "3"})

	middle := commitChanges(t, tree, map[string]string{"d": "4", "e": "5"})
	if middle == before {
		t.Errorf("adding keys should change the root hash")
	}
	after := commitChanges(t, tree, nil, "d", "e")
	if after != before {
		t.Errorf("removing the added keys should restore the root, got %v, want %v", after, before)
	}

	// The same holds within a single uncommitted transaction.
	tx, err := tree.Begin()
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := tx.Insert([]byte("f"), []byte("6")); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	if err := tx.Remove([]byte("f")); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	staged, err := tx.RootHash()
	if err != nil {
		t.Fatalf("failed to get staged root hash: %v", err)
	}
	if staged != before {
		t.Errorf("insert and remove within a transaction should cancel out, got %v, want %v", staged, before)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("failed to abort: %v", err)
	}
}

func TestTree_RemovingAbsentKeysLeavesTheRootUntouched(t *testing.T) {
	tree := openTestTree(t, t.TempDir())

	// On an empty tree the root stays the zero hash.
	if hash := commitChanges(t, tree, nil, "ghost"); hash != (common.Hash{}) {
		t.Errorf("removing from an empty tree should keep the zero root, got %v", hash)
	}

	before := commitChanges(t, tree, map[string]string{"a": "1", "b": "2"})
	after := commitChanges(t, tree, nil, "ghost", "phantom")
	if after != before {
		t.Errorf("removing absent keys should keep the root, got %v, want %v", after, before)
	}
}

func TestTree_UpdatingAValueChangesTheRootHash(t *testing.T) {
	tree := openTestTree(t, t.TempDir())
	first := commitChanges(t, tree, map[string]string{"key": "one"})
	second := commitChanges(t, tree, map[string]string{"key": "two"})
	if first == second {
		t.Errorf("updating a value should change the root hash")
	}
	third := commitChanges(t, tree, map[string]string{"key": "two"})
	if third != second {
		t.Errorf("re-asserting the same value should keep the root, got %v, want %v", third, second)
	}
	wantValue(t, tree, "key", "two")
}

func TestTree_RemovingAllKeysRestoresTheEmptyRoot(t *testing.T) {
	directory := t.TempDir()
	tree := openTestTree(t, directory)

	keys := make([]string, 0, 20)
	state := map[string]string{}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%d", i)
		keys = append(keys, key)
		state[key] = fmt.Sprintf("value-%d", i)
	}
	commitChanges(t, tree, state)
	if hash := commitChanges(t, tree, nil, keys...); hash != (common.Hash{}) {
		t.Errorf("an emptied tree should be summarized by the zero hash, got %v", hash)
	}
	wantAbsent(t, tree, "key-0")
	if err := tree.Close(); err != nil {
		t.Fatalf("failed to close tree: %v", err)
	}

	// The committed empty state is durable, not a fresh start.
	tree = openTestTree(t, directory)
	hash, err := tree.RootHash()
	if err != nil {
		t.Fatalf("failed to get root hash: %v", err)
	}
	if hash != (common.Hash{}) {
		t.Errorf("reopened tree should still be empty, got %v", hash)
	}
}

func TestTree_MixedChurnConvergesToTheExpectedState(t *testing.T) {
	directory := t.TempDir()
	tree := openTestTree(t, directory)

	state := map[string]string{}
	for i := 0; i < 50; i++ {
		state[fmt.Sprintf("key-%d", i)] = fmt.Sprintf("value-%d", i)
	}
	commitChanges(t, tree, state)

	updates := map[string]string{}
	for i := 0; i < 50; i += 2 {
		key := fmt.Sprintf("key-%d", i)
		updates[key] = fmt.Sprintf("updated-%d", i)
		state[key] = updates[key]
	}
	removals := make([]string, 0, 10)
	for i := 10; i < 20; i++ {
		key := fmt.Sprintf("key-%d", i)
		removals = append(removals, key)
		delete(state, key)
	}
	commitChanges(t, tree, updates, removals...)

	check := func(tree *Tree) {
		t.Helper()
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("key-%d", i)
			if value, present := state[key]; present {
				wantValue(t, tree, key, value)
			} else {
				wantAbsent(t, tree, key)
			}
		}
	}
	check(tree)
	if err := tree.Close(); err != nil {
		t.Fatalf("failed to close tree: %v", err)
	}
	check(openTestTree(t, directory))
}

func TestTree_ReadsServeTheCommittedStateWhileATransactionIsOpen(t *testing.T) {
	tree := openTestTree(t, t.TempDir())
	commitChanges(t, tree, map[string]string{"key": "committed"})

	tx, err := tree.Begin()
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := tx.Insert([]byte("key"), []byte("staged")); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	wantValue(t, tree, "key", "committed")

	value, found, err := tx.Get([]byte("key"))
	if err != nil || !found {
		t.Fatalf("staged key not visible in the transaction: %v", err)
	}
	if string(value) != "staged" {
		t.Errorf("unexpected staged value, got %s", value)
	}

	if _, err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	wantValue(t, tree, "key", "staged")
}

func TestTree_AbortedChangesLeaveNoTrace(t *testing.T) {
	tree := openTestTree(t, t.TempDir())
	before := commitChanges(t, tree, map[string]string{"key": "value"})

	tx, err := tree.Begin()
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := tx.Insert([]byte("other"), []byte("staged")); err != nil {
		t.Fatalf("failed to insert: %v", err)
	}
	if err := tx.Remove([]byte("key")); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("failed to abort: %v", err)
	}

	after, err := tree.RootHash()
	if err != nil {
		t.Fatalf("failed to get root hash: %v", err)
	}
	if after != before {
		t.Errorf("abort should leave the committed root, got %v, want %v", after, before)
	}
	wantValue(t, tree, "key", "value")
	wantAbsent(t, tree, "other")
}

func TestTree_OnlyOneTransactionMayBeInProgress(t *testing.T) {
	tree := openTestTree(t, t.TempDir())
	tx, err := tree.Begin()
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if _, err := tree.Begin(); !errors.Is(err, ErrWriteInProgress) {
		t.Errorf("a second transaction should be rejected, got %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("failed to abort: %v", err)
	}
	tx, err = tree.Begin()
	if err != nil {
		t.Fatalf("transactions should be available again after abort: %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("failed to abort: %v", err)
	}
}

func TestTree_OperationsFailAfterClose(t *testing.T) {
	tree := openTestTree(t, t.TempDir())
	if err := tree.Close(); err != nil {
		t.Fatalf("failed to close tree: %v", err)
	}

	if _, _, err := tree.Get([]byte("key")); !errors.Is(err, ErrClosed) {
		t.Errorf("Get on a closed tree should fail, got %v", err)
	}
	if _, err := tree.RootHash(); !errors.Is(err, ErrClosed) {
		t.Errorf("RootHash on a closed tree should fail, got %v", err)
	}
	if _, err := tree.Begin(); !errors.Is(err, ErrClosed) {
		t.Errorf("Begin on a closed tree should fail, got %v", err)
	}
	if _, err := tree.Prove([]byte("key")); !errors.Is(err, ErrClosed) {
		t.Errorf("Prove on a closed tree should fail, got %v", err)
	}
	if _, err := tree.LatestVersion(); !errors.Is(err, ErrClosed) {
		t.Errorf("LatestVersion on a closed tree should fail, got %v", err)
	}
	if _, err := tree.SnapshotAt(1); !errors.Is(err, ErrClosed) {
		t.Errorf("SnapshotAt on a closed tree should fail, got %v", err)
	}
	if err := tree.Compact(); !errors.Is(err, ErrClosed) {
		t.Errorf("Compact on a closed tree should fail, got %v", err)
	}
	if err := tree.Close(); err != nil {
		t.Errorf("closing a closed tree should be harmless, got %v", err)
	}
}

func TestTree_ClosingAbortsTheOpenTransaction(t *testing.T) {
	tree := openTestTree(t, t.TempDir())
	tx, err := tree.Begin()
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("failed to close tree: %v", err)
	}
	if err := tx.Insert([]byte("key"), []byte("value")); !errors.Is(err, ErrTransactionClosed) {
		t.Errorf("the transaction should be aborted by the close, got %v", err)
	}
}

func TestTree_VersionQueriesRequireTheArchive(t *testing.T) {
	tree := openTestTree(t, t.TempDir())
	if _, err := tree.LatestVersion(); !errors.Is(err, ErrNoArchive) {
		t.Errorf("LatestVersion without an archive should fail, got %v", err)
	}
	if _, err := tree.SnapshotAt(1); !errors.Is(err, ErrNoArchive) {
		t.Errorf("SnapshotAt without an archive should fail, got %v", err)
	}
}

func TestTree_ReturnedValuesDoNotAliasInternalState(t *testing.T) {
	tree := openTestTree(t, t.TempDir())
	commitChanges(t, tree, map[string]string{"key": "value"})

	first, found, err := tree.Get([]byte("key"))
	if err != nil || !found {
		t.Fatalf("failed to get key: %v", err)
	}
	first[0] = 'X'
	wantValue(t, tree, "key", "value")
}

func TestTree_IncompleteCommitRollsBackToThePriorState(t *testing.T) {
	directory := t.TempDir()
	tree := openTestTree(t, directory)

	before := commitChanges(t, tree, map[string]string{"stable": "state"})
	stat, err := os.Stat(segmentFileName(directory, 1))
	if err != nil {
		t.Fatalf("failed to stat segment: %v", err)
	}
	durable := stat.Size()

	after := commitChanges(t, tree, map[string]string{"latest": "state"})
	if after == before {
		t.Fatalf("the second commit should have changed the root")
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("failed to close tree: %v", err)
	}

	// Cut the second commit short and leave a few torn bytes behind, as a
	// crash in the middle of its writes would.
	path := segmentFileName(directory, 1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read segment: %v", err)
	}
	torn := append(data[:durable], 0xa5, 0xa5, 0xa5, 0xa5, 0xa5)
	if err := os.WriteFile(path, torn, 0600); err != nil {
		t.Fatalf("failed to write segment: %v", err)
	}

	tree = openTestTree(t, directory)
	recovered, err := tree.RootHash()
	if err != nil {
		t.Fatalf("failed to get root hash: %v", err)
	}
	if recovered != before {
		t.Errorf("recovery should restore the prior root, got %v, want %v", recovered, before)
	}
	wantValue(t, tree, "stable", "state")
	wantAbsent(t, tree, "latest")
}

func TestOpenTree_StoreWithoutRootsIsReported(t *testing.T) {
	directory := t.TempDir()
	garbage := make([]byte, 200)
	for i := range garbage {
		garbage[i] = 0xa5
	}
	if err := os.WriteFile(segmentFileName(directory, 1), garbage, 0600); err != nil {
		t.Fatalf("failed to write segment: %v", err)
	}
	if _, err := OpenTree(directory, Blake2bLiveConfig); !errors.Is(err, ErrLedgerCorrupted) {
		t.Errorf("a store without any valid root should be reported, got %v", err)
	}
}
