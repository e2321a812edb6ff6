package shuffle

import "sync"

// Lookup resolves a packet's destination. A miss is an ordinary result:
// implementations return false, never an error.
type Lookup interface {
	LookupContainer(containerID int64) (*Container, bool)
	LookupTask(c *Container, taskID int32) (Consumer, bool)
}

// Container is a processing container's entry in a ContainerRegistry.
// It holds the ids of its tasks, not the tasks themselves, so a task never
// keeps its container alive and vice versa.
type Container struct {
	ID    int64
	tasks map[int32]struct{}
}

type taskKey struct {
	containerID int64
	taskID      int32
}

// ContainerRegistry is an id-keyed arena of containers and their task
// receivers. It implements Lookup.
type ContainerRegistry struct {
	containers map[int64]*Container
	tasks      map[taskKey]Consumer
	mu         sync.RWMutex
}

func NewContainerRegistry() *ContainerRegistry {
	return &ContainerRegistry{
		containers: make(map[int64]*Container),
		tasks:      make(map[taskKey]Consumer),
	}
}

// AddContainer registers an empty container. Adding an existing id is a no-op.
func (cr *ContainerRegistry) AddContainer(containerID int64) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if _, ok := cr.containers[containerID]; ok {
		return
	}
	cr.containers[containerID] = &Container{ID: containerID, tasks: make(map[int32]struct{})}
}

// AddTask registers the receiver for (containerID, taskID), creating the
// container if needed.
func (cr *ContainerRegistry) AddTask(containerID int64, taskID int32, receiver Consumer) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	c, ok := cr.containers[containerID]
	if !ok {
		c = &Container{ID: containerID, tasks: make(map[int32]struct{})}
		cr.containers[containerID] = c
	}
	c.tasks[taskID] = struct{}{}
	cr.tasks[taskKey{containerID, taskID}] = receiver
}

func (cr *ContainerRegistry) RemoveTask(containerID int64, taskID int32) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if c, ok := cr.containers[containerID]; ok {
		delete(c.tasks, taskID)
	}
	delete(cr.tasks, taskKey{containerID, taskID})
}

// RemoveContainer drops a container and all of its tasks.
func (cr *ContainerRegistry) RemoveContainer(containerID int64) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	c, ok := cr.containers[containerID]
	if !ok {
		return
	}
	for id := range c.tasks {
		delete(cr.tasks, taskKey{containerID, id})
	}
	delete(cr.containers, containerID)
}

func (cr *ContainerRegistry) LookupContainer(containerID int64) (*Container, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	c, ok := cr.containers[containerID]
	return c, ok
}

func (cr *ContainerRegistry) LookupTask(c *Container, taskID int32) (Consumer, bool) {
	if c == nil {
		return nil, false
	}

	cr.mu.RLock()
	defer cr.mu.RUnlock()

	r, ok := cr.tasks[taskKey{c.ID, taskID}]
	return r, ok
}

// TaskIDs returns the ids of the tasks registered in a container.
func (cr *ContainerRegistry) TaskIDs(containerID int64) []int32 {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	c, ok := cr.containers[containerID]
	if !ok {
		return nil
	}
	ids := make([]int32, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered containers.
func (cr *ContainerRegistry) Count() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	return len(cr.containers)
}
