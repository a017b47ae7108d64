// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package streaming

import (
	lru "github.com/hashicorp/golang-lru"
)

// EvictionPolicy picks textures whose streamed mips are reclaimed when
// the pool runs out of budget.
type EvictionPolicy interface {
	// Touch records that the texture was used.
	Touch(tex *Texture)
	// Remove forgets the texture.
	Remove(tex *Texture)
	// Victim returns the least valuable texture other than exclude
	// that passes eligible, or nil.
	Victim(exclude *Texture, eligible func(*Texture) bool) *Texture
}

// LRUPolicy evicts the texture that was used least recently.
type LRUPolicy struct {
	cache *lru.Cache
}

// NewLRUPolicy creates a policy tracking up to size textures. Textures
// beyond that are forgotten, oldest first.
func NewLRUPolicy(size int) (*LRUPolicy, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &LRUPolicy{cache: cache}, nil
}

// Touch marks tex as the most recently used texture.
func (p *LRUPolicy) Touch(tex *Texture) {
	p.cache.Add(tex.ID(), tex)
}

// Remove forgets tex.
func (p *LRUPolicy) Remove(tex *Texture) {
	p.cache.Remove(tex.ID())
}

// Victim walks textures from least to most recently used.
func (p *LRUPolicy) Victim(exclude *Texture, eligible func(*Texture) bool) *Texture {
	for _, key := range p.cache.Keys() {
		v, ok := p.cache.Peek(key)
		if !ok {
			continue
		}
		tex := v.(*Texture)
		if tex != exclude && eligible(tex) {
			return tex
		}
	}
	return nil
}

// Len returns the number of tracked textures.
func (p *LRUPolicy) Len() int {
	return p.cache.Len()
}
